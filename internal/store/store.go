package store

import (
	"context"
	"time"
)

// NewContact is the input for FindOrCreateContact; fields left empty are
// not used to derive the deterministic identifier.
type NewContact struct {
	TenantID     string
	PrimaryPhone string
	ExternalID   string
	InstanceID   string
	SessionID    string
	DisplayName  string
}

// NewMessage is the input for CreateMessage.
type NewMessage struct {
	TenantID   string
	TicketID   string
	Direction  MessageDirection
	Type       MessageType
	Content    string
	MediaURL   string
	MimeType   string
	FileSize   int64
	ExternalID string
	InstanceID string
	Metadata   map[string]any
}

// AckUpdate is the input for ApplyBrokerAck.
type AckUpdate struct {
	Status      MessageStatus
	Metadata    map[string]any
	InstanceID  string
	DeliveredAt time.Time
	ReadAt      time.Time
	ReceivedAt  time.Time
}

// Store is the abstract relational persistence contract the ingestion
// pipeline depends on. It is intentionally storage-agnostic: memstore,
// pgstore and sqlitestore each implement it in full.
type Store interface {
	// Instances
	FindInstanceByID(ctx context.Context, tenantID, id string) (Instance, error)
	FindInstanceByBrokerID(ctx context.Context, brokerID string) (Instance, error)
	FindInstanceByTenantBroker(ctx context.Context, tenantID, brokerID string) (Instance, error)
	FindDefaultInstanceByTenant(ctx context.Context, tenantID string) (Instance, error)
	CreateInstance(ctx context.Context, inst Instance) (Instance, error)

	// Queues
	FindDefaultQueue(ctx context.Context, tenantID string) (Queue, error)
	CreateQueue(ctx context.Context, q Queue) (Queue, error)

	// Contacts
	FindOrCreateContact(ctx context.Context, in NewContact) (Contact, error)

	// Tickets
	FindOpenTicketByChat(ctx context.Context, tenantID, chatID string) (Ticket, error)
	CreateTicket(ctx context.Context, t Ticket) (Ticket, bool, error)
	UpdateTicket(ctx context.Context, t Ticket) error

	// Messages
	FindMessageByExternalID(ctx context.Context, tenantID, externalID string) (Message, error)
	CreateMessage(ctx context.Context, in NewMessage) (Message, bool, error)
	GetMessage(ctx context.Context, tenantID, messageID string) (Message, error)
	UpdateMessage(ctx context.Context, m Message) error
	ApplyBrokerAck(ctx context.Context, tenantID, messageID string, upd AckUpdate) (Message, bool, string, error)

	// Polls
	UpsertPollMetadata(ctx context.Context, pm PollMetadata) error
	GetPollMetadata(ctx context.Context, tenantID, pollID string) (PollMetadata, error)
	FindPollVoteMessageCandidate(ctx context.Context, tenantID, pollID, chatID string) (Message, error)
	GetPollState(ctx context.Context, pollID string) (PollChoiceState, error)
	SetPollState(ctx context.Context, state PollChoiceState) error

	// Media jobs
	InsertMediaJob(ctx context.Context, job MediaJob) (MediaJob, error)
	FindPendingInboundMediaJobs(ctx context.Context, limit int, now time.Time) ([]MediaJob, error)
	MarkInboundMediaJobProcessing(ctx context.Context, id string) (bool, error)
	CompleteInboundMediaJob(ctx context.Context, id string) error
	FailInboundMediaJob(ctx context.Context, id string, lastErr string) error
	RescheduleInboundMediaJob(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error

	// Leads
	UpsertLead(ctx context.Context, tenantID, contactID string) (Lead, error)
	AppendLeadActivity(ctx context.Context, tenantID, leadID, messageID string) (LeadActivity, bool, error)

	// Allocations
	AddAllocation(ctx context.Context, a Allocation) (Allocation, bool, error)
}
