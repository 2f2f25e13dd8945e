// Package inbound implements the C6 Inbound Pipeline: the thirteen-stage
// resolve/persist/fan-out sequence that turns one normalize.NormalizedMessage
// into a stored Message, realtime events, a lead-activity row, and (for
// media that cannot be fetched synchronously) a deferred MediaJob.
// Grounded on the teacher storage layer's insert-catch-unique-read idiom
// (postgres_store.go) and the gateway ingestion handler's per-message
// processing loop (api/handlers/ingestion.go).
package inbound

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/leadengine/wa-ingest/internal/broker"
	"github.com/leadengine/wa-ingest/internal/dedupe"
	"github.com/leadengine/wa-ingest/internal/mediastore"
	"github.com/leadengine/wa-ingest/internal/normalize"
	"github.com/leadengine/wa-ingest/internal/provisioner"
	"github.com/leadengine/wa-ingest/internal/realtime"
	"github.com/leadengine/wa-ingest/internal/store"
	"github.com/leadengine/wa-ingest/pkg/idempotency"
)

// Metrics is the counter surface for C6's classification outcomes.
type Metrics interface {
	IncResult(tenantID, result, reason string)
}

type noopMetrics struct{}

func (noopMetrics) IncResult(string, string, string) {}

// Logger is the minimal logging surface, matching pkg/telemetry's style.
type Logger interface {
	Warn(msg string, fields map[string]any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, map[string]any) {}

// DLQ receives payloads the pipeline could not persist, per spec.md §4.6's
// "step 9 failures route to a DLQ" failure semantics.
type DLQ interface {
	Send(ctx context.Context, tenantID, reason string, payload map[string]any) error
}

// Allocator adds campaign/instance allocations, swallowing unique-violation
// conflicts as a no-op per spec.md §4.6 step 13.
type Allocator interface {
	AddAllocations(ctx context.Context, tenantID, instanceID, leadID, dedupeKey string) (bool, error)
}

// PollMetadataUpserter captures the static description of a pollCreationMessage
// once it is persisted, so C8 can recover question/options when later
// POLL_CHOICE events arrive. Satisfied by *poll.Reconciler; kept as an
// interface here so C6 never imports C8 directly.
type PollMetadataUpserter interface {
	UpsertMetadata(ctx context.Context, pm store.PollMetadata) error
}

// StoreAllocator is the default Allocator, backed directly by Store.AddAllocation.
// Kept in this package rather than its own: it has no logic of its own beyond
// adapting the dedupe-key shape, so a separate package would be one file of
// pure passthrough.
type StoreAllocator struct {
	Store store.Store
}

// AddAllocations implements Allocator.
func (a StoreAllocator) AddAllocations(ctx context.Context, tenantID, instanceID, leadID, dedupeKey string) (bool, error) {
	_, created, err := a.Store.AddAllocation(ctx, store.Allocation{
		TenantID:   tenantID,
		InstanceID: instanceID,
		LeadID:     leadID,
		DedupeKey:  dedupeKey,
	})
	return created, err
}

// EmitTicketRealtimeEvents toggles the optional tickets.new/tickets.updated
// envelopes: when set, a newly created ticket emits both and an existing
// ticket emits tickets.updated. The toggle is an Options field, not a Config
// field.
type Pipeline struct {
	store        store.Store
	provisioner  *provisioner.Provisioner
	dedupe       *dedupe.Cache
	brokerClient *broker.Client
	mediaStore   *mediastore.Store
	hub          *realtime.Hub
	dlq          DLQ
	allocator    Allocator
	pollMeta     PollMetadataUpserter
	metrics      Metrics
	log          Logger

	EmitTicketRealtimeEvents bool
}

// Options configures a new Pipeline.
type Options struct {
	Store        store.Store
	Provisioner  *provisioner.Provisioner
	Dedupe       *dedupe.Cache
	Broker       *broker.Client
	MediaStore   *mediastore.Store
	Hub          *realtime.Hub
	DLQ          DLQ
	Allocator    Allocator
	PollMetadata PollMetadataUpserter
	Metrics      Metrics
	Logger       Logger

	EmitTicketRealtimeEvents bool
}

// New builds a Pipeline.
func New(opts Options) *Pipeline {
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Pipeline{
		store:                    opts.Store,
		provisioner:              opts.Provisioner,
		dedupe:                   opts.Dedupe,
		brokerClient:             opts.Broker,
		mediaStore:               opts.MediaStore,
		hub:                      opts.Hub,
		dlq:                      opts.DLQ,
		allocator:                opts.Allocator,
		pollMeta:                 opts.PollMetadata,
		metrics:                  opts.Metrics,
		log:                      opts.Logger,
		EmitTicketRealtimeEvents: opts.EmitTicketRealtimeEvents,
	}
}

// InstanceResolver resolves an instance by the cascade spec.md §4.6 step 1
// names; C5 supplies it so C6 stays decoupled from the broker lookup cache.
type InstanceResolver interface {
	ByID(ctx context.Context, tenantID, instanceID string) (store.Instance, error)
	ByBrokerID(ctx context.Context, brokerID string) (store.Instance, error)
	ByTenantBroker(ctx context.Context, tenantID, brokerID string) (store.Instance, error)
	DefaultForTenant(ctx context.Context, tenantID string) (store.Instance, error)
}

type storeInstanceResolver struct{ store store.Store }

func (r storeInstanceResolver) ByID(ctx context.Context, tenantID, instanceID string) (store.Instance, error) {
	return r.store.FindInstanceByID(ctx, tenantID, instanceID)
}
func (r storeInstanceResolver) ByBrokerID(ctx context.Context, brokerID string) (store.Instance, error) {
	return r.store.FindInstanceByBrokerID(ctx, brokerID)
}
func (r storeInstanceResolver) ByTenantBroker(ctx context.Context, tenantID, brokerID string) (store.Instance, error) {
	return r.store.FindInstanceByTenantBroker(ctx, tenantID, brokerID)
}
func (r storeInstanceResolver) DefaultForTenant(ctx context.Context, tenantID string) (store.Instance, error) {
	return r.store.FindDefaultInstanceByTenant(ctx, tenantID)
}

// Process runs the full thirteen-stage pipeline for one normalized message.
// It returns whether the message ended up persisted; failures at any stage
// past persistence are logged and swallowed, never surfaced as an error, per
// spec.md §4.6's failure semantics.
func (p *Pipeline) Process(ctx context.Context, nm normalize.NormalizedMessage, rawEnvelope map[string]any) bool {
	resolver := storeInstanceResolver{store: p.store}

	// 1. Resolve instance.
	inst, ok := p.resolveInstance(ctx, resolver, nm)
	if !ok {
		p.metrics.IncResult(nm.TenantID, "rejected", "instance_unresolved")
		return false
	}

	// 2. Resolve tenant.
	tenantID := inst.TenantID
	if tenantID == "" {
		tenantID = nm.TenantID
	}

	// 3. Resolve queue.
	queue, err := p.provisioner.EnsureInboundQueue(ctx, tenantID)
	if err != nil {
		p.log.Warn("inbound: ensure queue failed", map[string]any{"tenantId": tenantID, "error": err.Error()})
		p.metrics.IncResult(tenantID, "rejected", "queue_unresolved")
		return false
	}

	// 4. Resolve or create contact.
	contact, err := p.store.FindOrCreateContact(ctx, store.NewContact{
		TenantID:     tenantID,
		PrimaryPhone: nm.Participant,
		InstanceID:   inst.ID,
		SessionID:    nm.SessionID,
		DisplayName:  firstNonEmpty(stringMeta(nm.Metadata, "name"), stringMeta(nm.Metadata, "pushName")),
	})
	if err != nil {
		p.log.Warn("inbound: contact resolution failed", map[string]any{"tenantId": tenantID, "error": err.Error()})
		p.metrics.IncResult(tenantID, "rejected", "contact_unresolved")
		return false
	}

	// 5. Resolve or create ticket.
	ticket, isNewTicket, err := p.resolveTicket(ctx, tenantID, nm.ChatID, contact.ID, queue.ID)
	if err != nil {
		p.log.Warn("inbound: ticket resolution failed", map[string]any{"tenantId": tenantID, "error": err.Error()})
		p.metrics.IncResult(tenantID, "rejected", "ticket_unresolved")
		return false
	}

	// 6. Poll-creation side effect: persisted below, once the message has an
	// id, since CreationMessageID is that id.

	// 7. Media handling.
	mediaURL, mediaMeta := p.handleMedia(ctx, tenantID, inst, nm)

	// 8. Message dedupe.
	key := idempotency.Key(tenantID, inst.ID, nm.MessageID, 0)
	if p.dedupe != nil && p.dedupe.Skip(ctx, key, dedupe.DefaultTTL) {
		p.metrics.IncResult(tenantID, "ignored", "message_duplicate")
		return true
	}

	// 9. Persist.
	content := nm.Text
	metadata := mergeMetadata(nm.Metadata, mediaMeta)
	msg, _, err := p.store.CreateMessage(ctx, store.NewMessage{
		TenantID:   tenantID,
		TicketID:   ticket.ID,
		Direction:  store.DirectionInbound,
		Type:       store.MessageType(nm.Type),
		Content:    content,
		MediaURL:   mediaURL,
		ExternalID: nm.MessageID,
		InstanceID: inst.ID,
		Metadata:   metadata,
	})
	if err != nil {
		if p.dlq != nil {
			_ = p.dlq.Send(ctx, tenantID, "persist_failed", rawEnvelope)
		}
		p.metrics.IncResult(tenantID, "failed", "persist_failed")
		return false
	}

	ticket.LastMessageAt = msg.CreatedAt
	ticket.LastMessagePreview = previewOf(content)
	_ = p.store.UpdateTicket(ctx, ticket)

	if nm.IsPollCreation && p.pollMeta != nil {
		options := make([]store.PollOption, 0, len(nm.PollOptions))
		for i, title := range nm.PollOptions {
			options = append(options, store.PollOption{ID: strconv.Itoa(i), Index: i, Title: title})
		}
		if err := p.pollMeta.UpsertMetadata(ctx, store.PollMetadata{
			PollID:               nm.MessageID,
			TenantID:             tenantID,
			InstanceID:           inst.ID,
			Question:             nm.PollQuestion,
			Options:              options,
			AllowMultipleAnswers: nm.AllowMultipleAnswers,
			CreationMessageID:    msg.ID,
		}); err != nil {
			p.log.Warn("inbound: poll metadata upsert failed", map[string]any{"tenantId": tenantID, "error": err.Error()})
		}
	}

	// 10. Realtime.
	p.emitPersistResult(ctx, tenantID, ticket, msg, isNewTicket)

	// 11. Lead sync.
	lead, err := p.store.UpsertLead(ctx, tenantID, contact.ID)
	if err == nil {
		if _, created, err := p.store.AppendLeadActivity(ctx, tenantID, lead.ID, msg.ID); err == nil && created {
			p.hub.EmitToTenant(ctx, tenantID, realtime.EventLeadActivitiesNew, map[string]any{"leadId": lead.ID, "messageId": msg.ID})
		}
	} else {
		p.log.Warn("inbound: lead sync failed", map[string]any{"tenantId": tenantID, "error": err.Error()})
	}

	// 12. Register dedupe.
	if p.dedupe != nil {
		p.dedupe.Register(ctx, key, dedupe.DefaultTTL)
	}

	// 13. Allocation.
	if p.allocator != nil {
		allocKey := idempotency.AllocationKey(tenantID, inst.ID, inst.ID, nm.MessageID)
		created, err := p.allocator.AddAllocations(ctx, tenantID, inst.ID, lead.ID, allocKey)
		if err != nil {
			p.log.Warn("inbound: allocation failed", map[string]any{"tenantId": tenantID, "error": err.Error()})
		} else if created {
			p.hub.EmitToTenant(ctx, tenantID, realtime.EventLeadAllocationsNew, map[string]any{"leadId": lead.ID, "instanceId": inst.ID})
		}
	}

	p.metrics.IncResult(tenantID, "accepted", "")
	return true
}

func (p *Pipeline) emitPersistResult(ctx context.Context, tenantID string, ticket store.Ticket, msg store.Message, isNewTicket bool) {
	if p.hub == nil {
		return
	}
	msgPayload := map[string]any{"messageId": msg.ID, "ticketId": ticket.ID, "content": msg.Content, "type": msg.Type}
	p.hub.EmitToTicket(ctx, ticket.ID, realtime.EventTicketMessagesNew, msgPayload)
	p.hub.EmitToTenant(ctx, tenantID, realtime.EventTicketMessagesNew, msgPayload)

	if !p.EmitTicketRealtimeEvents {
		return
	}
	ticketPayload := map[string]any{"ticketId": ticket.ID, "status": ticket.Status, "lastMessageAt": ticket.LastMessageAt}
	if isNewTicket {
		p.hub.EmitToTenant(ctx, tenantID, realtime.EventTicketsNew, ticketPayload)
	}
	p.hub.EmitToTenant(ctx, tenantID, realtime.EventTicketsUpdated, ticketPayload)
}

func (p *Pipeline) resolveInstance(ctx context.Context, resolver InstanceResolver, nm normalize.NormalizedMessage) (store.Instance, bool) {
	if nm.InstanceID != "" {
		if inst, err := resolver.ByID(ctx, nm.TenantID, nm.InstanceID); err == nil {
			return inst, true
		}
	}
	if nm.BrokerID != "" {
		if inst, err := resolver.ByBrokerID(ctx, nm.BrokerID); err == nil {
			return inst, true
		}
		if nm.TenantID != "" {
			if inst, err := resolver.ByTenantBroker(ctx, nm.TenantID, nm.BrokerID); err == nil {
				return inst, true
			}
		}
	}
	if nm.TenantID != "" {
		if inst, err := resolver.DefaultForTenant(ctx, nm.TenantID); err == nil {
			return inst, true
		}
	}
	if p.provisioner != nil && nm.TenantID != "" {
		inst, err := p.provisioner.AutoProvisionInstance(ctx, nm.TenantID, nm.BrokerID)
		if err == nil {
			return inst, true
		}
	}
	return store.Instance{}, false
}

func (p *Pipeline) resolveTicket(ctx context.Context, tenantID, chatID, contactID, queueID string) (store.Ticket, bool, error) {
	ticket, err := p.store.FindOpenTicketByChat(ctx, tenantID, chatID)
	if err == nil {
		return ticket, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Ticket{}, false, err
	}

	created, isNew, createErr := p.store.CreateTicket(ctx, store.Ticket{
		TenantID:  tenantID,
		ContactID: contactID,
		QueueID:   queueID,
		ChatID:    chatID,
		Status:    store.TicketStatusOpen,
	})
	if createErr != nil {
		var conflict *store.ConflictError
		if errors.As(createErr, &conflict) {
			existing, findErr := p.store.FindOpenTicketByChat(ctx, tenantID, chatID)
			return existing, false, findErr
		}
		return store.Ticket{}, false, createErr
	}
	return created, isNew, nil
}

func (p *Pipeline) handleMedia(ctx context.Context, tenantID string, inst store.Instance, nm normalize.NormalizedMessage) (string, map[string]any) {
	if nm.Media == nil || !isDownloadableMediaType(nm.Type) {
		return "", nil
	}
	if strings.HasPrefix(nm.Media.DirectPath, "http://") || strings.HasPrefix(nm.Media.DirectPath, "https://") {
		return nm.Media.DirectPath, nil
	}

	if p.brokerClient != nil && p.mediaStore != nil && (nm.Media.DirectPath != "" || nm.Media.MediaKey != "") {
		downloadCtx, cancel := context.WithTimeout(ctx, broker.DirectBaileysTimeout)
		res, err := p.brokerClient.Download(downloadCtx, broker.DownloadRequest{
			InstanceID: inst.ID,
			BrokerID:   inst.BrokerID,
			MediaKey:   nm.Media.MediaKey,
			DirectPath: nm.Media.DirectPath,
			MimeType:   nm.Media.MimeType,
		})
		cancel()
		if err != nil {
			brokerCtx, cancel2 := context.WithTimeout(ctx, broker.BrokerDownloadTimeout)
			res, err = p.brokerClient.Download(brokerCtx, broker.DownloadRequest{
				InstanceID: inst.ID,
				BrokerID:   inst.BrokerID,
				MediaKey:   nm.Media.MediaKey,
				DirectPath: nm.Media.DirectPath,
				MimeType:   nm.Media.MimeType,
			})
			cancel2()
		}
		if err == nil {
			objectKey := tenantID + "/" + nm.MessageID
			url, expiresAt, putErr := p.mediaStore.Put(ctx, tenantID, objectKey, res.ContentType, res.Data)
			if putErr == nil {
				return url, map[string]any{"media_expires_at": expiresAt}
			}
		}
	}

	if _, err := p.store.InsertMediaJob(ctx, store.MediaJob{
		TenantID:          tenantID,
		MessageExternalID: nm.MessageID,
		InstanceID:        inst.ID,
		BrokerID:          inst.BrokerID,
		MediaType:         store.MessageType(nm.Type),
		MediaKey:          nm.Media.MediaKey,
		DirectPath:        nm.Media.DirectPath,
		State:             store.MediaJobPending,
		NextRetryAt:       time.Now(),
	}); err != nil {
		p.log.Warn("inbound: enqueue media job failed", map[string]any{"tenantId": tenantID, "error": err.Error()})
	}
	return "", map[string]any{"media_pending": true}
}

func isDownloadableMediaType(t normalize.MessageType) bool {
	switch t {
	case normalize.TypeImage, normalize.TypeVideo, normalize.TypeAudio, normalize.TypeDocument:
		return true
	default:
		return false
	}
}

func mergeMetadata(base, extra map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func stringMeta(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func previewOf(content string) string {
	const maxLen = 160
	if len(content) <= maxLen {
		return content
	}
	return content[:maxLen]
}
