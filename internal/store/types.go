// Package store defines the domain model and persistence contract the
// ingestion pipeline runs against. Concrete backends live in the memstore,
// pgstore and sqlitestore subpackages; callers depend only on the Store
// interface defined here.
package store

import "time"

// InstanceStatus enumerates the lifecycle states of a WhatsApp session.
type InstanceStatus string

const (
	InstanceStatusPending      InstanceStatus = "PENDING"
	InstanceStatusConnected    InstanceStatus = "CONNECTED"
	InstanceStatusDisconnected InstanceStatus = "DISCONNECTED"
)

// Instance is a WhatsApp session owned by a tenant.
type Instance struct {
	ID       string
	TenantID string
	BrokerID string
	Status   InstanceStatus
}

// Contact is a person addressable by phone or a deterministic identifier.
type Contact struct {
	ID           string
	TenantID     string
	DisplayName  string
	PrimaryPhone string
	Document     string
}

// Queue is a routing target; each tenant has exactly one default queue.
type Queue struct {
	ID        string
	TenantID  string
	Name      string
	IsDefault bool
}

// TicketStatus enumerates conversation lifecycle states.
type TicketStatus string

const (
	TicketStatusOpen    TicketStatus = "OPEN"
	TicketStatusPending TicketStatus = "PENDING"
	TicketStatusClosed  TicketStatus = "CLOSED"
)

// Ticket is an open conversation with a contact.
type Ticket struct {
	ID                 string
	TenantID            string
	ContactID           string
	QueueID             string
	ChatID              string
	Status              TicketStatus
	AgreementID         string
	Metadata            map[string]any
	UpdatedAt           time.Time
	LastMessageAt       time.Time
	LastMessagePreview  string
}

// MessageDirection distinguishes inbound (from contact) and outbound
// (to contact) traffic on a ticket timeline.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "INBOUND"
	DirectionOutbound MessageDirection = "OUTBOUND"
)

// MessageType enumerates the canonical content kinds a Message may carry.
type MessageType string

const (
	MessageTypeText        MessageType = "TEXT"
	MessageTypeImage       MessageType = "IMAGE"
	MessageTypeVideo       MessageType = "VIDEO"
	MessageTypeAudio       MessageType = "AUDIO"
	MessageTypeDocument    MessageType = "DOCUMENT"
	MessageTypeLocation    MessageType = "LOCATION"
	MessageTypeContact     MessageType = "CONTACT"
	MessageTypeTemplate    MessageType = "TEMPLATE"
	MessageTypePoll        MessageType = "POLL"
	MessageTypePollChoice  MessageType = "POLL_CHOICE"
	MessageTypeMedia       MessageType = "MEDIA"
	MessageTypeUnknown     MessageType = "UNKNOWN"
)

// MessageStatus is the outbound delivery-ack state. INBOUND messages are
// always PENDING for the lifetime of this field.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "PENDING"
	MessageStatusSent      MessageStatus = "SENT"
	MessageStatusDelivered MessageStatus = "DELIVERED"
	MessageStatusRead      MessageStatus = "READ"
	MessageStatusFailed    MessageStatus = "FAILED"
)

// AckRank returns the monotonicity rank used by the ACK state machine (C7).
// FAILED sits outside the SENT<DELIVERED<READ ladder and ranks -1, below
// PENDING. The stores' ApplyBrokerAck exempts an incoming FAILED from the
// regression check, so it is never dropped as ack_regression. A recorded
// FAILED does not block later ACKs: every other status outranks it.
func AckRank(s MessageStatus) int {
	switch s {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	case MessageStatusFailed:
		return -1
	default:
		return 0
	}
}

// Message is a single event on a ticket's timeline.
type Message struct {
	ID         string
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
	Status     MessageStatus
	Metadata   map[string]any
	CreatedAt  time.Time
	LastAck    *AckState
}

// AckState captures the most recently applied broker ACK, used by C7 to
// evaluate both rank regression and the ack_late window.
type AckState struct {
	Status     MessageStatus
	ReceivedAt time.Time
}

// PollOption is a single selectable choice within a poll.
type PollOption struct {
	ID    string
	Index int
	Title string
}

// PollMetadata is the static description of a poll, captured when the
// creation message is first observed.
type PollMetadata struct {
	PollID               string
	TenantID             string
	InstanceID           string
	Question             string
	Options              []PollOption
	AllowMultipleAnswers bool
	CreationMessageID    string
	CreationMessageKey   string
	MessageSecret        string
	MessageSecretVersion int
}

// Vote is a single voter's selection, keyed by voterJid in PollChoiceState.
type Vote struct {
	OptionIDs []string
	MessageID string
	Timestamp time.Time
	Encrypted bool
}

// PollAggregates is the derived tally over all votes in a PollChoiceState.
type PollAggregates struct {
	TotalVoters  int
	TotalVotes   int
	OptionTotals map[string]int
}

// PollChoiceState is the dynamic vote tally for a poll, persisted under the
// idempotent key poll-state:<pollId>.
type PollChoiceState struct {
	PollID      string
	Options     []PollOption
	Votes       map[string]Vote
	Aggregates  PollAggregates
	UpdatedAt   time.Time
	Context     PollContext
}

// PollContext carries the tenant/creation fields recovered from metadata on
// any subsequent webhook that lacks them directly.
type PollContext struct {
	TenantID          string
	CreationMessageID string
	CreationMessageKey string
	Question          string
}

// MediaJobState enumerates the lifecycle of a deferred media download.
type MediaJobState string

const (
	MediaJobPending    MediaJobState = "PENDING"
	MediaJobProcessing MediaJobState = "PROCESSING"
	MediaJobDone       MediaJobState = "DONE"
	MediaJobFailed     MediaJobState = "FAILED"
)

// MediaJob is a deferred work item to download inbound media asynchronously.
type MediaJob struct {
	ID              string
	TenantID        string
	MessageID       string
	MessageExternalID string
	InstanceID      string
	BrokerID        string
	MediaType       MessageType
	MediaKey        string
	DirectPath      string
	Metadata        map[string]any
	Attempts        int
	NextRetryAt     time.Time
	State           MediaJobState
	LastError       string
}

// Lead is the CRM-facing projection of a contact within a tenant, updated by
// the inbound pipeline's lead-sync step.
type Lead struct {
	ID        string
	TenantID  string
	ContactID string
	UpdatedAt time.Time
}

// LeadActivity records a single timeline event against a Lead.
type LeadActivity struct {
	ID        string
	TenantID  string
	LeadID    string
	MessageID string
	CreatedAt time.Time
}

// Allocation records that a lead was allocated into a campaign or bare
// instance queue, gated by a dedupe key so retries never double-allocate.
type Allocation struct {
	ID         string
	TenantID   string
	CampaignID string
	InstanceID string
	LeadID     string
	DedupeKey  string
	CreatedAt  time.Time
}
