package normalize

import "testing"

func TestNormalize_RejectsNonUpsertType(t *testing.T) {
	res := Normalize(map[string]any{"type": "WHATSAPP_MESSAGES_UPDATE"}, Overrides{})
	if len(res.Messages) != 0 || len(res.Ignored) != 0 {
		t.Fatalf("expected empty result for non-upsert type, got %+v", res)
	}
}

func TestNormalize_MissingInstanceIDYieldsEmpty(t *testing.T) {
	res := Normalize(map[string]any{"type": "WHATSAPP_MESSAGES_UPSERT", "messages": []any{}}, Overrides{})
	if len(res.Messages) != 0 {
		t.Fatalf("expected no messages without instanceId, got %+v", res)
	}
}

func TestNormalize_FromMeIsIgnored(t *testing.T) {
	event := map[string]any{
		"type":       "WHATSAPP_MESSAGES_UPSERT",
		"instanceId": "inst-1",
		"messages": []any{
			map[string]any{
				"key":     map[string]any{"fromMe": true, "remoteJid": "5511999998888@s.whatsapp.net"},
				"message": map[string]any{"conversation": "hello"},
			},
		},
	}
	res := Normalize(event, Overrides{})
	if len(res.Messages) != 0 {
		t.Fatalf("expected from_me message to be ignored")
	}
	if len(res.Ignored) != 1 || res.Ignored[0].Reason != "from_me" {
		t.Fatalf("expected from_me reason, got %+v", res.Ignored)
	}
}

func TestNormalize_TextMessage(t *testing.T) {
	event := map[string]any{
		"type":       "WHATSAPP_MESSAGES_UPSERT",
		"instanceId": "inst-1",
		"tenantId":   "tenant-1",
		"messages": []any{
			map[string]any{
				"id":      "wamid-abc",
				"key":     map[string]any{"fromMe": false, "remoteJid": "5511999998888@s.whatsapp.net"},
				"message": map[string]any{"conversation": "hello there"},
			},
		},
	}
	res := Normalize(event, Overrides{})
	if len(res.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d (ignored=%+v)", len(res.Messages), res.Ignored)
	}
	msg := res.Messages[0]
	if msg.Type != TypeText || msg.Text != "hello there" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.ChatID != "5511999998888" {
		t.Fatalf("expected digits-only chat id, got %q", msg.ChatID)
	}
	if msg.TenantID != "tenant-1" || msg.InstanceID != "inst-1" {
		t.Fatalf("expected cascaded tenant/instance ids, got %+v", msg)
	}
}

func TestNormalize_UnwrapsEphemeralMessage(t *testing.T) {
	event := map[string]any{
		"type":       "WHATSAPP_MESSAGES_UPSERT",
		"instanceId": "inst-1",
		"messages": []any{
			map[string]any{
				"key": map[string]any{"fromMe": false, "remoteJid": "123456789@g.us"},
				"message": map[string]any{
					"ephemeralMessage": map[string]any{
						"message": map[string]any{"conversation": "wrapped"},
					},
				},
			},
		},
	}
	res := Normalize(event, Overrides{})
	if len(res.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d (ignored=%+v)", len(res.Messages), res.Ignored)
	}
	if res.Messages[0].Text != "wrapped" {
		t.Fatalf("expected unwrapped text, got %q", res.Messages[0].Text)
	}
	if !res.Messages[0].Group {
		t.Fatalf("expected group chat to be detected from @g.us suffix")
	}
}

func TestNormalize_PollCreationMessage(t *testing.T) {
	event := map[string]any{
		"type":       "WHATSAPP_MESSAGES_UPSERT",
		"instanceId": "inst-1",
		"messages": []any{
			map[string]any{
				"key": map[string]any{"fromMe": false, "remoteJid": "5511999998888@s.whatsapp.net"},
				"message": map[string]any{
					"pollCreationMessage": map[string]any{
						"name": "Pick one",
						"options": []any{
							map[string]any{"optionName": "A"},
							map[string]any{"optionName": "B"},
						},
					},
				},
			},
		},
	}
	res := Normalize(event, Overrides{})
	if len(res.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(res.Messages))
	}
	msg := res.Messages[0]
	if !msg.IsPollCreation || msg.Type != TypePoll {
		t.Fatalf("expected poll creation message, got %+v", msg)
	}
	if len(msg.PollOptions) != 2 {
		t.Fatalf("expected 2 poll options, got %v", msg.PollOptions)
	}
}
