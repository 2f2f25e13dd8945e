// Package realtime implements the C9 emitter: a thin fan-out over the
// closed set of ingestion event names onto tenant/ticket/agreement channels.
// It is grounded on the teacher's connector-hub websocket connector, which
// keeps a registry of subscriber channels keyed by a routing id and pushes
// JSON frames to every matching subscriber; here the routing id is a
// tenant/ticket/agreement id instead of a connector session id.
package realtime

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// EventName is restricted to the closed set spec.md §4.9 names.
type EventName string

const (
	EventTicketMessagesNew  EventName = "ticketMessages.new"
	EventTicketsNew         EventName = "tickets.new"
	EventTicketsUpdated     EventName = "tickets.updated"
	EventMessagesNew        EventName = "messages.new"
	EventMessageUpdated     EventName = "messageUpdated"
	EventLeadActivitiesNew  EventName = "leadActivities.new"
	EventLeadAllocationsNew EventName = "leadAllocations.new"
	EventLeadsUpdated       EventName = "leads.updated"
)

// Frame is the wire envelope pushed to every subscriber of a channel.
type Frame struct {
	Channel string    `json:"channel"`
	Event   EventName `json:"event"`
	Payload any       `json:"payload"`
}

// Conn is the minimal surface the hub needs from a transport connection;
// *websocket.Conn satisfies it directly.
type Conn interface {
	WriteJSON(v any) error
}

var _ Conn = (*websocket.Conn)(nil)

// Logger is the minimal logging surface the hub needs.
type Logger interface {
	Warn(msg string, fields map[string]any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, map[string]any) {}

// Hub fans out events to subscriber connections grouped by routing channel
// (a tenant id, ticket id, or agreement id prefixed with its kind).
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[Conn]struct{}
	log  Logger
}

// New builds an empty Hub.
func New(log Logger) *Hub {
	if log == nil {
		log = noopLogger{}
	}
	return &Hub{subs: map[string]map[Conn]struct{}{}, log: log}
}

// Subscribe registers conn to receive frames published on channel. The
// returned func unsubscribes.
func (h *Hub) Subscribe(channel string, conn Conn) (unsubscribe func()) {
	h.mu.Lock()
	set, ok := h.subs[channel]
	if !ok {
		set = map[Conn]struct{}{}
		h.subs[channel] = set
	}
	set[conn] = struct{}{}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[channel]; ok {
			delete(set, conn)
			if len(set) == 0 {
				delete(h.subs, channel)
			}
		}
	}
}

func tenantChannel(tenantID string) string    { return "tenant:" + tenantID }
func ticketChannel(ticketID string) string    { return "ticket:" + ticketID }
func agreementChannel(agreementID string) string { return "agreement:" + agreementID }

// EmitToTenant publishes event/payload to every subscriber of tenantId.
func (h *Hub) EmitToTenant(ctx context.Context, tenantID string, event EventName, payload any) {
	h.publish(ctx, tenantChannel(tenantID), event, payload)
}

// EmitToTicket publishes event/payload to every subscriber of ticketId.
func (h *Hub) EmitToTicket(ctx context.Context, ticketID string, event EventName, payload any) {
	h.publish(ctx, ticketChannel(ticketID), event, payload)
}

// EmitToAgreement publishes event/payload to every subscriber of agreementId.
func (h *Hub) EmitToAgreement(ctx context.Context, agreementID string, event EventName, payload any) {
	h.publish(ctx, agreementChannel(agreementID), event, payload)
}

func (h *Hub) publish(_ context.Context, channel string, event EventName, payload any) {
	h.mu.RLock()
	subs := h.subs[channel]
	conns := make([]Conn, 0, len(subs))
	for c := range subs {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return
	}
	frame := Frame{Channel: channel, Event: event, Payload: payload}
	for _, c := range conns {
		if err := c.WriteJSON(frame); err != nil {
			h.log.Warn("realtime: write failed", map[string]any{"channel": channel, "event": string(event), "error": err.Error()})
		}
	}
}
