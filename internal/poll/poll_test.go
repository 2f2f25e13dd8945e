package poll

import (
	"context"
	"testing"

	"github.com/leadengine/wa-ingest/internal/realtime"
	"github.com/leadengine/wa-ingest/internal/store"
	"github.com/leadengine/wa-ingest/internal/store/memstore"
)

func seedPollVoteMessage(t *testing.T, s *memstore.Store, tenantID, ticketID, pollID, chatID string) store.Message {
	t.Helper()
	ctx := context.Background()
	msg, _, err := s.CreateMessage(ctx, store.NewMessage{
		TenantID:   tenantID,
		TicketID:   ticketID,
		Direction:  store.DirectionInbound,
		Type:       store.MessageTypePoll,
		ExternalID: "poll-msg-" + pollID,
		Metadata:   map[string]any{"pollCreationMessageId": pollID, "chatId": chatID},
	})
	if err != nil {
		t.Fatalf("seed poll message: %v", err)
	}
	return msg
}

func TestApplyVote_NoCandidateIsNotAnError(t *testing.T) {
	s := memstore.New(false)
	r := New(s, realtime.New(nil), nil, nil)
	err := r.ApplyVote(context.Background(), Choice{TenantID: "t1", PollID: "missing-poll", ChatID: "chat1", VoterJID: "v1", OptionIDs: []string{"opt1"}})
	if err != nil {
		t.Fatalf("expected nil error for missing candidate, got %v", err)
	}
}

func TestApplyVote_MergesAndPersistsAggregates(t *testing.T) {
	s := memstore.New(false)
	ctx := context.Background()
	msg := seedPollVoteMessage(t, s, "t1", "tick1", "poll-1", "chat1")

	r := New(s, realtime.New(nil), nil, nil)
	if err := r.ApplyVote(ctx, Choice{TenantID: "t1", PollID: "poll-1", ChatID: "chat1", VoterJID: "voterA", OptionIDs: []string{"opt1"}, MessageID: "wa-msg-1"}); err != nil {
		t.Fatalf("apply vote 1: %v", err)
	}
	if err := r.ApplyVote(ctx, Choice{TenantID: "t1", PollID: "poll-1", ChatID: "chat1", VoterJID: "voterB", OptionIDs: []string{"opt1", "opt2"}, MessageID: "wa-msg-2"}); err != nil {
		t.Fatalf("apply vote 2: %v", err)
	}

	got, err := s.GetMessage(ctx, "t1", msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	pollMeta, ok := got.Metadata["poll"].(map[string]any)
	if !ok {
		t.Fatalf("expected poll metadata on message, got %+v", got.Metadata)
	}
	if pollMeta["totalVoters"] != 2 {
		t.Fatalf("expected 2 voters, got %v", pollMeta["totalVoters"])
	}
	if pollMeta["totalVotes"] != 3 {
		t.Fatalf("expected 3 total votes (1 + 2 options), got %v", pollMeta["totalVotes"])
	}
}
