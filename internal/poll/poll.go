// Package poll implements the C8 Poll Reconciler: persisting poll metadata
// captured off a pollCreationMessage, folding individual POLL_CHOICE votes
// into the containing message's metadata.poll, and maintaining the
// idempotent poll-state:<pollId> tally. Grounded on the teacher storage
// layer's update-then-read idiom in postgres_store.go, generalized from a
// single UPDATE statement to the Store interface's UpdateMessage/SetPollState
// pair so memstore/pgstore/sqlitestore share one reconciler.
package poll

import (
	"context"
	"log"

	"github.com/leadengine/wa-ingest/internal/realtime"
	"github.com/leadengine/wa-ingest/internal/store"
)

// Metrics is the counter surface for classification outcomes.
type Metrics interface {
	IncPollResult(tenantID, result, reason string)
}

type noopMetrics struct{}

func (noopMetrics) IncPollResult(string, string, string) {}

// Logger is the minimal logging surface used for the non-fatal "candidate
// not found" case; the "aggregates mismatch" warning in mergePollMetadata
// goes through the standard library's log.Printf instead.
type Logger interface {
	Printf(format string, args ...any)
}

// Reconciler implements C8.
type Reconciler struct {
	store   store.Store
	hub     *realtime.Hub
	metrics Metrics
	log     Logger
}

// New builds a Reconciler.
func New(st store.Store, hub *realtime.Hub, metrics Metrics, logger Logger) *Reconciler {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{store: st, hub: hub, metrics: metrics, log: logger}
}

// UpsertMetadata persists a poll's static description, captured when a
// pollCreationMessage is first observed (C6 step 6).
func (r *Reconciler) UpsertMetadata(ctx context.Context, pm store.PollMetadata) error {
	return r.store.UpsertPollMetadata(ctx, pm)
}

// Choice is one POLL_CHOICE event entry, after C5 has resolved tenantId.
type Choice struct {
	TenantID  string
	PollID    string
	ChatID    string
	VoterJID  string
	OptionIDs []string
	MessageID string
	Encrypted bool
	Timestamp int64
}

// ApplyVote implements the full C8 reconciliation: locate the containing
// poll vote message, merge the vote into its metadata.poll, recompute
// aggregates, persist, and upsert the idempotent poll-state record.
func (r *Reconciler) ApplyVote(ctx context.Context, c Choice) error {
	msg, err := r.store.FindPollVoteMessageCandidate(ctx, c.TenantID, c.PollID, c.ChatID)
	if err != nil {
		r.log.Printf("poll: no vote message candidate for poll=%s chat=%s tenant=%s: %v", c.PollID, c.ChatID, c.TenantID, err)
		r.metrics.IncPollResult(c.TenantID, "ignored", "candidate_not_found")
		return nil
	}

	state, err := r.store.GetPollState(ctx, c.PollID)
	if err != nil {
		state = store.PollChoiceState{
			PollID: c.PollID,
			Votes:  map[string]store.Vote{},
		}
	}
	if state.Votes == nil {
		state.Votes = map[string]store.Vote{}
	}

	meta, err := r.store.GetPollMetadata(ctx, c.TenantID, c.PollID)
	if err == nil {
		state.Options = meta.Options
		if state.Context.Question == "" {
			state.Context.Question = meta.Question
		}
		state.Context.CreationMessageID = meta.CreationMessageID
		state.Context.CreationMessageKey = meta.CreationMessageKey
	}
	if state.Context.TenantID == "" {
		state.Context.TenantID = c.TenantID
	}

	state.Votes[c.VoterJID] = store.Vote{
		OptionIDs: c.OptionIDs,
		MessageID: c.MessageID,
		Encrypted: c.Encrypted,
	}

	state.Aggregates = computeAggregates(state)

	if err := r.store.SetPollState(ctx, state); err != nil {
		return err
	}

	pollMeta := mergePollMetadata(msg.Metadata, state, meta)
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	msg.Metadata["poll"] = pollMeta

	if err := r.store.UpdateMessage(ctx, msg); err != nil {
		return err
	}

	r.metrics.IncPollResult(c.TenantID, "accepted", "")
	if r.hub != nil {
		payload := map[string]any{"messageId": msg.ID, "ticketId": msg.TicketID, "poll": pollMeta}
		r.hub.EmitToTicket(ctx, msg.TicketID, realtime.EventMessageUpdated, payload)
		r.hub.EmitToTenant(ctx, c.TenantID, realtime.EventMessageUpdated, payload)
	}
	return nil
}

func computeAggregates(state store.PollChoiceState) store.PollAggregates {
	totals := map[string]int{}
	for _, v := range state.Votes {
		for _, optID := range v.OptionIDs {
			totals[optID]++
		}
	}
	totalVotes := 0
	for _, n := range totals {
		totalVotes += n
	}
	return store.PollAggregates{
		TotalVoters:  len(state.Votes),
		TotalVotes:   totalVotes,
		OptionTotals: totals,
	}
}

func mergePollMetadata(existing map[string]any, state store.PollChoiceState, meta store.PollMetadata) map[string]any {
	question := state.Context.Question
	if question == "" {
		question = meta.Question
	}
	if question == "" {
		if existing != nil {
			if poll, ok := existing["poll"].(map[string]any); ok {
				if q, ok := poll["question"].(string); ok {
					question = q
				}
			}
		}
	}

	optionTotalsSum := 0
	for _, n := range state.Aggregates.OptionTotals {
		optionTotalsSum += n
	}
	if state.Aggregates.TotalVotes != optionTotalsSum {
		log.Printf("poll: aggregates mismatch pollId=%s totalVotes=%d sumOptionTotals=%d", state.PollID, state.Aggregates.TotalVotes, optionTotalsSum)
	}

	return map[string]any{
		"pollId":      state.PollID,
		"question":    question,
		"options":     state.Options,
		"totalVotes":  state.Aggregates.TotalVotes,
		"totalVoters": state.Aggregates.TotalVoters,
		"optionTotals": state.Aggregates.OptionTotals,
	}
}
