// Package normalize implements the C2 Normalizer: folding a raw
// WHATSAPP_MESSAGES_UPSERT broker event, a free-form map shaped like a
// Baileys messages.upsert payload, into an ordered list of NormalizedMessage.
// Grounded on the teacher normalizer's payload-folding cascade idiom
// (services/normalizer/internal/engine/mapper.go): resolve-by-cascade helpers
// over a raw map, then a per-entry unwrap/classify/derive pipeline.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// MessageType mirrors the canonical store.MessageType vocabulary; kept as a
// separate string type here so the normalizer has no dependency on the
// persistence package, per the spec's layering (C2 produces, C6 consumes).
type MessageType string

const (
	TypeText         MessageType = "TEXT"
	TypeImage        MessageType = "IMAGE"
	TypeVideo        MessageType = "VIDEO"
	TypeAudio        MessageType = "AUDIO"
	TypeDocument     MessageType = "DOCUMENT"
	TypePoll         MessageType = "POLL"
	TypePollUpdate   MessageType = "POLL_CHOICE"
	TypeInteractive  MessageType = "TEMPLATE"
	TypeUnknown      MessageType = "UNKNOWN"
)

// QuotedMessage captures a referenced message extracted from contextInfo.
type QuotedMessage struct {
	QuotedMessageID   string
	QuotedParticipant string
	QuotedText        string
}

// Media captures the raw download coordinates for a media message.
type Media struct {
	MimeType   string
	FileLength int64
	FileName   string
	MediaKey   string
	DirectPath string
	Caption    string
}

// NormalizedMessage is the canonical shape C6 consumes.
type NormalizedMessage struct {
	TenantID    string
	InstanceID  string
	BrokerID    string
	SessionID   string
	MessageID   string
	ChatID      string
	Participant string
	Group       bool
	FromMe      bool
	Type        MessageType
	Text        string
	Media       *Media
	Quoted      *QuotedMessage
	IsPollCreation bool
	PollOptions    []string
	PollQuestion   string
	AllowMultipleAnswers bool
	Metadata    map[string]any
}

// Ignored records an entry the normalizer chose not to emit, with a reason
// for the C5 classification counters.
type Ignored struct {
	Reason string
}

// Overrides are per-event overrides resolved by C5 before calling Normalize
// (instanceId/brokerId/tenantId overrides from spec.md §4.5 step 2).
type Overrides struct {
	InstanceID string
	TenantID   string
	BrokerID   string
}

// Result is the output of Normalize.
type Result struct {
	Messages []NormalizedMessage
	Ignored  []Ignored
}

// Normalize implements spec.md §4.2. event is the free-form envelope; the
// messages array is read from event["messages"], falling back to
// event["raw"]["messages"] when the top level has none.
func Normalize(event map[string]any, overrides Overrides) Result {
	if eventType, _ := stringField(event, "type", "event"); eventType != "" && eventType != "WHATSAPP_MESSAGES_UPSERT" {
		return Result{}
	}

	instanceID := firstNonEmpty(overrides.InstanceID, cascadeString(event, "instanceId", "instance_id"))
	if instanceID == "" {
		return Result{}
	}
	tenantID := firstNonEmpty(overrides.TenantID, cascadeString(event, "tenantId", "tenant_id"))
	brokerID := firstNonEmpty(overrides.BrokerID, cascadeString(event, "brokerId", "broker_id"))
	sessionID := cascadeString(event, "sessionId", "session_id")

	messages := extractMessagesArray(event)

	var out Result
	for idx, raw := range messages {
		entry, ok := raw.(map[string]any)
		if !ok {
			out.Ignored = append(out.Ignored, Ignored{Reason: "malformed_entry"})
			continue
		}
		nm, ignoreReason := normalizeOne(entry, idx, tenantID, instanceID, brokerID, sessionID)
		if ignoreReason != "" {
			out.Ignored = append(out.Ignored, Ignored{Reason: ignoreReason})
			continue
		}
		out.Messages = append(out.Messages, nm)
	}
	return out
}

func normalizeOne(entry map[string]any, index int, tenantID, instanceID, brokerID, sessionID string) (NormalizedMessage, string) {
	key, _ := entry["key"].(map[string]any)
	fromMe, _ := key["fromMe"].(bool)
	if fromMe {
		return NormalizedMessage{}, "from_me"
	}

	content, _ := entry["message"].(map[string]any)
	content, unwrapReason := unwrapLeaf(content)
	if unwrapReason != "" {
		return NormalizedMessage{}, unwrapReason
	}
	if len(content) == 0 {
		return NormalizedMessage{}, "empty_message"
	}

	msgType, isPollCreation, pollOpts, pollQuestion, allowMultiple := classify(content)
	text := deriveText(content, msgType)
	media := deriveMedia(content, msgType)
	quoted := deriveQuoted(content)

	remoteJID, _ := key["remoteJid"].(string)
	participant, _ := key["participant"].(string)
	chatID := normalizeJID(remoteJID)
	group := strings.HasSuffix(remoteJID, "@g.us")

	messageID := firstNonEmpty(stringOf(entry["id"]), stringOf(key["id"]))
	if messageID == "" {
		messageID = "wamid-" + deterministicFallbackID(entry, index)
	}

	metadata := map[string]any{
		"broker":       brokerID,
		"source":       "whatsapp",
		"direction":    "inbound",
		"rawKey":       key,
		"messageIndex": index,
	}
	if tenantID != "" {
		metadata["tenantId"] = tenantID
	}
	if sessionID != "" {
		metadata["sessionId"] = sessionID
	}
	if quoted != nil {
		metadata["quoted"] = quoted
	}

	return NormalizedMessage{
		TenantID:             tenantID,
		InstanceID:           instanceID,
		BrokerID:             brokerID,
		SessionID:            sessionID,
		MessageID:            messageID,
		ChatID:               chatID,
		Participant:          normalizeJID(participant),
		Group:                group,
		FromMe:               fromMe,
		Type:                 msgType,
		Text:                 text,
		Media:                media,
		Quoted:               quoted,
		IsPollCreation:       isPollCreation,
		PollOptions:          pollOpts,
		PollQuestion:         pollQuestion,
		AllowMultipleAnswers: allowMultiple,
		Metadata:             metadata,
	}, ""
}

// unwrapLeaf follows ephemeralMessage/viewOnceMessage(V2) chains until a leaf
// content record is reached, or returns a reason when the leaf is itself a
// non-content wrapper spec.md §4.2 calls out explicitly.
func unwrapLeaf(content map[string]any) (map[string]any, string) {
	for i := 0; i < 8 && content != nil; i++ {
		if inner, ok := content["ephemeralMessage"].(map[string]any); ok {
			content, _ = inner["message"].(map[string]any)
			continue
		}
		if inner, ok := content["viewOnceMessageV2"].(map[string]any); ok {
			content, _ = inner["message"].(map[string]any)
			continue
		}
		if inner, ok := content["viewOnceMessage"].(map[string]any); ok {
			content, _ = inner["message"].(map[string]any)
			continue
		}
		break
	}
	if content == nil {
		return nil, "empty_message"
	}
	if _, ok := content["protocolMessage"]; ok {
		return nil, "protocol_message"
	}
	if _, ok := content["historySyncNotification"]; ok {
		return nil, "history_sync"
	}
	if _, ok := content["messageStubType"]; ok {
		return nil, "message_stub"
	}
	return content, ""
}

func classify(content map[string]any) (msgType MessageType, isPollCreation bool, options []string, question string, allowMultiple bool) {
	if poll, ok := content["pollCreationMessage"].(map[string]any); ok {
		question, _ = poll["name"].(string)
		if n, ok := poll["selectableOptionsCount"].(float64); ok {
			allowMultiple = n != 1
		}
		if opts, ok := poll["options"].([]any); ok {
			for _, o := range opts {
				if om, ok := o.(map[string]any); ok {
					if title, ok := om["optionName"].(string); ok {
						options = append(options, title)
					}
				}
			}
		}
		return TypePoll, true, options, question, allowMultiple
	}
	if _, ok := content["pollUpdateMessage"]; ok {
		return TypePollUpdate, false, nil, "", false
	}
	if _, ok := content["listResponseMessage"]; ok {
		return TypeInteractive, false, nil, "", false
	}
	if _, ok := content["buttonsResponseMessage"]; ok {
		return TypeInteractive, false, nil, "", false
	}
	if _, ok := content["imageMessage"]; ok {
		return TypeImage, false, nil, "", false
	}
	if _, ok := content["stickerMessage"]; ok {
		return TypeImage, false, nil, "", false
	}
	if _, ok := content["videoMessage"]; ok {
		return TypeVideo, false, nil, "", false
	}
	if _, ok := content["audioMessage"]; ok {
		return TypeAudio, false, nil, "", false
	}
	if _, ok := content["documentMessage"]; ok {
		return TypeDocument, false, nil, "", false
	}
	return TypeText, false, nil, "", false
}

func deriveText(content map[string]any, msgType MessageType) string {
	if t, ok := content["conversation"].(string); ok && t != "" {
		return t
	}
	if ext, ok := content["extendedTextMessage"].(map[string]any); ok {
		if t, ok := ext["text"].(string); ok && t != "" {
			return t
		}
	}
	if tr, ok := content["templateButtonReplyMessage"].(map[string]any); ok {
		if t, ok := tr["selectedDisplayText"].(string); ok && t != "" {
			return t
		}
	}
	for _, field := range []string{"imageMessage", "videoMessage", "documentMessage"} {
		if m, ok := content[field].(map[string]any); ok {
			if c, ok := m["caption"].(string); ok && c != "" {
				return c
			}
		}
	}
	if lr, ok := content["listResponseMessage"].(map[string]any); ok {
		if t, ok := lr["title"].(string); ok && t != "" {
			return t
		}
	}
	if br, ok := content["buttonsResponseMessage"].(map[string]any); ok {
		if t, ok := br["selectedDisplayText"].(string); ok && t != "" {
			return t
		}
	}
	if poll, ok := content["pollCreationMessage"].(map[string]any); ok {
		if n, ok := poll["name"].(string); ok && n != "" {
			return n
		}
	}
	if isMediaType(msgType) {
		return "[Mensagem recebida via WhatsApp]"
	}
	return ""
}

func isMediaType(t MessageType) bool {
	switch t {
	case TypeImage, TypeVideo, TypeAudio, TypeDocument:
		return true
	default:
		return false
	}
}

func deriveMedia(content map[string]any, msgType MessageType) *Media {
	var field string
	switch msgType {
	case TypeImage:
		field = "imageMessage"
	case TypeVideo:
		field = "videoMessage"
	case TypeAudio:
		field = "audioMessage"
	case TypeDocument:
		field = "documentMessage"
	default:
		return nil
	}
	m, ok := content[field].(map[string]any)
	if !ok {
		return nil
	}
	media := &Media{}
	media.MimeType, _ = m["mimetype"].(string)
	media.FileName, _ = m["fileName"].(string)
	media.MediaKey, _ = m["mediaKey"].(string)
	media.DirectPath, _ = m["directPath"].(string)
	media.Caption, _ = m["caption"].(string)
	if fl, ok := m["fileLength"].(float64); ok {
		media.FileLength = int64(fl)
	}
	return media
}

func deriveQuoted(content map[string]any) *QuotedMessage {
	ext, ok := content["extendedTextMessage"].(map[string]any)
	if !ok {
		return nil
	}
	ctxInfo, ok := ext["contextInfo"].(map[string]any)
	if !ok {
		return nil
	}
	quotedRaw, ok := ctxInfo["quotedMessage"].(map[string]any)
	if !ok {
		return nil
	}
	q := &QuotedMessage{}
	q.QuotedMessageID, _ = ctxInfo["stanzaId"].(string)
	q.QuotedParticipant, _ = ctxInfo["participant"].(string)
	if t, ok := quotedRaw["conversation"].(string); ok {
		q.QuotedText = t
	}
	return q
}

func normalizeJID(jid string) string {
	local := jid
	if idx := strings.Index(jid, "@"); idx >= 0 {
		local = jid[:idx]
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, local)
	if len(digits) >= 8 {
		return digits
	}
	return local
}

func extractMessagesArray(event map[string]any) []any {
	if arr, ok := event["messages"].([]any); ok {
		return arr
	}
	if raw, ok := event["raw"].(map[string]any); ok {
		if arr, ok := raw["messages"].([]any); ok {
			return arr
		}
	}
	return nil
}

func cascadeString(event map[string]any, keys ...string) string {
	for _, key := range keys {
		if v := stringField1(event, key); v != "" {
			return v
		}
	}
	if payload, ok := event["payload"].(map[string]any); ok {
		for _, key := range keys {
			if v := stringField1(payload, key); v != "" {
				return v
			}
		}
	}
	if meta, ok := event["metadata"].(map[string]any); ok {
		for _, key := range keys {
			if v := stringField1(meta, key); v != "" {
				return v
			}
		}
	}
	if broker, ok := event["brokerMetadata"].(map[string]any); ok {
		for _, key := range keys {
			if v := stringField1(broker, key); v != "" {
				return v
			}
		}
	}
	return ""
}

func stringField1(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func stringField(m map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// deterministicFallbackID derives a stable id from the entry contents when
// no broker-assigned id exists, rather than a random uuid, so normalization
// stays a pure function of its input per spec.md §4.2's determinism note.
func deterministicFallbackID(entry map[string]any, index int) string {
	h := sha256.New()
	if key, ok := entry["key"].(map[string]any); ok {
		h.Write([]byte(stringOf(key["remoteJid"])))
		h.Write([]byte(stringOf(key["participant"])))
	}
	h.Write([]byte{byte(index)})
	return hex.EncodeToString(h.Sum(nil))[:24]
}
