// Package memstore is an in-process, mutex-guarded implementation of
// store.Store. It backs unit tests across the ingestion pipeline and serves
// as the degraded-mode store when DATABASE_URL is absent:
// in that mode every mutating call returns store.ErrDegraded instead of
// writing.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leadengine/wa-ingest/internal/store"
)

// Store is an in-memory store.Store. Degraded controls whether mutating
// calls are rejected (used to simulate the no-DATABASE_URL mode).
type Store struct {
	mu       sync.Mutex
	Degraded bool

	instances map[string]store.Instance // by id
	queues    map[string]store.Queue    // by id
	contacts  map[string]store.Contact  // by id
	tickets   map[string]store.Ticket   // by id
	messages  map[string]store.Message  // by id
	pollMeta  map[string]store.PollMetadata
	pollState map[string]store.PollChoiceState
	mediaJobs map[string]store.MediaJob
	leads     map[string]store.Lead
	leadActs  map[string]store.LeadActivity
	allocs    map[string]store.Allocation

	// uniqueness indexes
	instanceByBroker       map[string]string // brokerID -> instanceID
	instanceByTenantBroker map[string]string // tenantID|brokerID -> instanceID
	queueByTenantDefault   map[string]string // tenantID -> queueID
	ticketOpenByChat       map[string]string // tenantID|chatID -> ticketID
	messageByExternal      map[string]string // tenantID|externalID -> messageID
	leadByContact          map[string]string // tenantID|contactID -> leadID
	leadActivityByMessage  map[string]string // tenantID|messageID -> activityID
	allocationByKey        map[string]string // dedupeKey -> allocationID
	contactByIdentity      map[string]string // tenantID|identity -> contactID
}

// New returns an empty Store. Pass degraded=true to simulate the absence of
// DATABASE_URL.
func New(degraded bool) *Store {
	return &Store{
		Degraded:               degraded,
		instances:               make(map[string]store.Instance),
		queues:                  make(map[string]store.Queue),
		contacts:                make(map[string]store.Contact),
		tickets:                 make(map[string]store.Ticket),
		messages:                make(map[string]store.Message),
		pollMeta:                make(map[string]store.PollMetadata),
		pollState:               make(map[string]store.PollChoiceState),
		mediaJobs:               make(map[string]store.MediaJob),
		leads:                   make(map[string]store.Lead),
		leadActs:                make(map[string]store.LeadActivity),
		allocs:                  make(map[string]store.Allocation),
		instanceByBroker:        make(map[string]string),
		instanceByTenantBroker:  make(map[string]string),
		queueByTenantDefault:    make(map[string]string),
		ticketOpenByChat:        make(map[string]string),
		messageByExternal:       make(map[string]string),
		leadByContact:           make(map[string]string),
		leadActivityByMessage:   make(map[string]string),
		allocationByKey:         make(map[string]string),
		contactByIdentity:       make(map[string]string),
	}
}

func newID() string { return uuid.NewString() }

func tkey(parts ...string) string { return strings.Join(parts, "|") }

// ---- Instances ----

func (s *Store) FindInstanceByID(_ context.Context, tenantID, id string) (store.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok || inst.TenantID != tenantID {
		return store.Instance{}, store.ErrNotFound
	}
	return inst, nil
}

func (s *Store) FindInstanceByBrokerID(_ context.Context, brokerID string) (store.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.instanceByBroker[brokerID]
	if !ok {
		return store.Instance{}, store.ErrNotFound
	}
	return s.instances[id], nil
}

func (s *Store) FindInstanceByTenantBroker(_ context.Context, tenantID, brokerID string) (store.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.instanceByTenantBroker[tkey(tenantID, brokerID)]
	if !ok {
		return store.Instance{}, store.ErrNotFound
	}
	return s.instances[id], nil
}

func (s *Store) FindDefaultInstanceByTenant(_ context.Context, tenantID string) (store.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, inst := range s.instances {
		if inst.TenantID == tenantID {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return store.Instance{}, store.ErrNotFound
	}
	sort.Strings(ids)
	return s.instances[ids[0]], nil
}

func (s *Store) CreateInstance(_ context.Context, inst store.Instance) (store.Instance, error) {
	if s.Degraded {
		return store.Instance{}, store.ErrDegraded
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst.BrokerID != "" {
		if existingID, ok := s.instanceByTenantBroker[tkey(inst.TenantID, inst.BrokerID)]; ok {
			return store.Instance{}, &store.ConflictError{ExistingID: existingID}
		}
		if existingID, ok := s.instanceByBroker[inst.BrokerID]; ok {
			return store.Instance{}, &store.ConflictError{ExistingID: existingID}
		}
	}
	if inst.ID == "" {
		inst.ID = newID()
	}
	if inst.Status == "" {
		inst.Status = store.InstanceStatusPending
	}
	s.instances[inst.ID] = inst
	if inst.BrokerID != "" {
		s.instanceByBroker[inst.BrokerID] = inst.ID
		s.instanceByTenantBroker[tkey(inst.TenantID, inst.BrokerID)] = inst.ID
	}
	return inst, nil
}

// ---- Queues ----

func (s *Store) FindDefaultQueue(_ context.Context, tenantID string) (store.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.queueByTenantDefault[tenantID]
	if !ok {
		return store.Queue{}, store.ErrNotFound
	}
	return s.queues[id], nil
}

func (s *Store) CreateQueue(_ context.Context, q store.Queue) (store.Queue, error) {
	if s.Degraded {
		return store.Queue{}, store.ErrDegraded
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if q.IsDefault {
		if existingID, ok := s.queueByTenantDefault[q.TenantID]; ok {
			return store.Queue{}, &store.ConflictError{ExistingID: existingID}
		}
	}
	if q.ID == "" {
		q.ID = newID()
	}
	s.queues[q.ID] = q
	if q.IsDefault {
		s.queueByTenantDefault[q.TenantID] = q.ID
	}
	return q, nil
}

// ---- Contacts ----

// contactIdentity derives a deterministic identity from the strongest
// available signal: primary phone, then external id, then instance+session.
func contactIdentity(in store.NewContact) string {
	switch {
	case in.PrimaryPhone != "":
		return "phone:" + in.PrimaryPhone
	case in.ExternalID != "":
		return "ext:" + in.ExternalID
	default:
		return "session:" + in.InstanceID + ":" + in.SessionID
	}
}

func (s *Store) FindOrCreateContact(_ context.Context, in store.NewContact) (store.Contact, error) {
	if s.Degraded {
		return store.Contact{}, store.ErrDegraded
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	identity := tkey(in.TenantID, contactIdentity(in))
	if id, ok := s.contactByIdentity[identity]; ok {
		c := s.contacts[id]
		if in.DisplayName != "" && c.DisplayName == "" {
			c.DisplayName = in.DisplayName
			s.contacts[c.ID] = c
		}
		return c, nil
	}
	c := store.Contact{
		ID:           newID(),
		TenantID:     in.TenantID,
		DisplayName:  in.DisplayName,
		PrimaryPhone: in.PrimaryPhone,
	}
	s.contacts[c.ID] = c
	s.contactByIdentity[identity] = c.ID
	return c, nil
}

// ---- Tickets ----

func (s *Store) FindOpenTicketByChat(_ context.Context, tenantID, chatID string) (store.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ticketOpenByChat[tkey(tenantID, chatID)]
	if !ok {
		return store.Ticket{}, store.ErrNotFound
	}
	return s.tickets[id], nil
}

func (s *Store) CreateTicket(_ context.Context, t store.Ticket) (store.Ticket, bool, error) {
	if s.Degraded {
		return store.Ticket{}, false, store.ErrDegraded
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tkey(t.TenantID, t.ChatID)
	if t.Status == store.TicketStatusOpen {
		if existingID, ok := s.ticketOpenByChat[key]; ok {
			return s.tickets[existingID], false, nil
		}
	}
	if t.ID == "" {
		t.ID = newID()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	s.tickets[t.ID] = t
	if t.Status == store.TicketStatusOpen {
		s.ticketOpenByChat[key] = t.ID
	}
	return t, true, nil
}

func (s *Store) UpdateTicket(_ context.Context, t store.Ticket) error {
	if s.Degraded {
		return store.ErrDegraded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tickets[t.ID]
	if !ok {
		return store.ErrNotFound
	}
	key := tkey(existing.TenantID, existing.ChatID)
	if existing.Status == store.TicketStatusOpen && t.Status != store.TicketStatusOpen {
		delete(s.ticketOpenByChat, key)
	}
	if t.Status == store.TicketStatusOpen {
		s.ticketOpenByChat[key] = t.ID
	}
	s.tickets[t.ID] = t
	return nil
}

// ---- Messages ----

func (s *Store) FindMessageByExternalID(_ context.Context, tenantID, externalID string) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.messageByExternal[tkey(tenantID, externalID)]
	if !ok {
		return store.Message{}, store.ErrNotFound
	}
	return s.messages[id], nil
}

func (s *Store) CreateMessage(_ context.Context, in store.NewMessage) (store.Message, bool, error) {
	if s.Degraded {
		return store.Message{}, false, store.ErrDegraded
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.ExternalID != "" {
		if existingID, ok := s.messageByExternal[tkey(in.TenantID, in.ExternalID)]; ok {
			return s.messages[existingID], false, nil
		}
	}
	m := store.Message{
		ID:         newID(),
		TenantID:   in.TenantID,
		TicketID:   in.TicketID,
		Direction:  in.Direction,
		Type:       in.Type,
		Content:    in.Content,
		MediaURL:   in.MediaURL,
		MimeType:   in.MimeType,
		FileSize:   in.FileSize,
		ExternalID: in.ExternalID,
		InstanceID: in.InstanceID,
		Status:     store.MessageStatusPending,
		Metadata:   in.Metadata,
		CreatedAt:  time.Now().UTC(),
	}
	if in.Direction == store.DirectionOutbound {
		m.Status = store.MessageStatusPending
	}
	s.messages[m.ID] = m
	if m.ExternalID != "" {
		s.messageByExternal[tkey(m.TenantID, m.ExternalID)] = m.ID
	}

	if t, ok := s.tickets[m.TicketID]; ok {
		t.LastMessageAt = m.CreatedAt
		t.LastMessagePreview = preview(m.Content)
		t.UpdatedAt = m.CreatedAt
		s.tickets[t.ID] = t
	}
	return m, true, nil
}

func preview(content string) string {
	const max = 120
	if len(content) <= max {
		return content
	}
	return content[:max]
}

func (s *Store) GetMessage(_ context.Context, tenantID, messageID string) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok || m.TenantID != tenantID {
		return store.Message{}, store.ErrNotFound
	}
	return m, nil
}

func (s *Store) UpdateMessage(_ context.Context, m store.Message) error {
	if s.Degraded {
		return store.ErrDegraded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; !ok {
		return store.ErrNotFound
	}
	s.messages[m.ID] = m
	return nil
}

func (s *Store) ApplyBrokerAck(_ context.Context, tenantID, messageID string, upd store.AckUpdate) (store.Message, bool, string, error) {
	if s.Degraded {
		return store.Message{}, false, "", store.ErrDegraded
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok || m.TenantID != tenantID {
		return store.Message{}, false, "", store.ErrNotFound
	}

	if m.LastAck != nil {
		if !upd.ReceivedAt.IsZero() && upd.ReceivedAt.Before(m.LastAck.ReceivedAt.Add(-10*time.Minute)) {
			return m, false, "ack_late", nil
		}
		if upd.Status != store.MessageStatusFailed && store.AckRank(upd.Status) < store.AckRank(m.LastAck.Status) {
			return m, false, "ack_regression", nil
		}
	}

	m.Status = upd.Status
	if upd.InstanceID != "" {
		m.InstanceID = upd.InstanceID
	}
	if upd.Metadata != nil {
		if m.Metadata == nil {
			m.Metadata = map[string]any{}
		}
		for k, v := range upd.Metadata {
			m.Metadata[k] = v
		}
	}
	receivedAt := upd.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	m.LastAck = &store.AckState{Status: upd.Status, ReceivedAt: receivedAt}
	s.messages[m.ID] = m
	return m, true, "", nil
}

// ---- Polls ----

func (s *Store) UpsertPollMetadata(_ context.Context, pm store.PollMetadata) error {
	if s.Degraded {
		return store.ErrDegraded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollMeta[pm.PollID] = pm
	return nil
}

func (s *Store) GetPollMetadata(_ context.Context, tenantID, pollID string) (store.PollMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pm, ok := s.pollMeta[pollID]
	if !ok || pm.TenantID != tenantID {
		return store.PollMetadata{}, store.ErrNotFound
	}
	return pm, nil
}

func (s *Store) FindPollVoteMessageCandidate(_ context.Context, tenantID, pollID, chatID string) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []store.Message
	for _, m := range s.messages {
		if m.TenantID != tenantID {
			continue
		}
		if m.Metadata == nil {
			continue
		}
		if cmid, ok := m.Metadata["pollCreationMessageId"].(string); ok && cmid == pollID {
			candidates = append(candidates, m)
			continue
		}
		if m.ID == pollID {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return store.Message{}, store.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	return candidates[0], nil
}

func (s *Store) GetPollState(_ context.Context, pollID string) (store.PollChoiceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.pollState[pollID]
	if !ok {
		return store.PollChoiceState{}, store.ErrNotFound
	}
	return st, nil
}

func (s *Store) SetPollState(_ context.Context, state store.PollChoiceState) error {
	if s.Degraded {
		return store.ErrDegraded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollState[state.PollID] = state
	return nil
}

// ---- Media jobs ----

func (s *Store) InsertMediaJob(_ context.Context, job store.MediaJob) (store.MediaJob, error) {
	if s.Degraded {
		return store.MediaJob{}, store.ErrDegraded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = newID()
	}
	if job.State == "" {
		job.State = store.MediaJobPending
	}
	s.mediaJobs[job.ID] = job
	return job, nil
}

func (s *Store) FindPendingInboundMediaJobs(_ context.Context, limit int, now time.Time) ([]store.MediaJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.MediaJob
	for _, j := range s.mediaJobs {
		if j.State != store.MediaJobPending {
			continue
		}
		if j.NextRetryAt.After(now) {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkInboundMediaJobProcessing(_ context.Context, id string) (bool, error) {
	if s.Degraded {
		return false, store.ErrDegraded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.mediaJobs[id]
	if !ok || j.State != store.MediaJobPending {
		return false, nil
	}
	j.State = store.MediaJobProcessing
	s.mediaJobs[id] = j
	return true, nil
}

func (s *Store) CompleteInboundMediaJob(_ context.Context, id string) error {
	if s.Degraded {
		return store.ErrDegraded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.mediaJobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.State = store.MediaJobDone
	s.mediaJobs[id] = j
	return nil
}

func (s *Store) FailInboundMediaJob(_ context.Context, id string, lastErr string) error {
	if s.Degraded {
		return store.ErrDegraded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.mediaJobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.State = store.MediaJobFailed
	j.LastError = lastErr
	s.mediaJobs[id] = j
	return nil
}

func (s *Store) RescheduleInboundMediaJob(_ context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	if s.Degraded {
		return store.ErrDegraded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.mediaJobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.State = store.MediaJobPending
	j.Attempts++
	j.NextRetryAt = nextRetryAt
	j.LastError = lastErr
	s.mediaJobs[id] = j
	return nil
}

// ---- Leads ----

func (s *Store) UpsertLead(_ context.Context, tenantID, contactID string) (store.Lead, error) {
	if s.Degraded {
		return store.Lead{}, store.ErrDegraded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tkey(tenantID, contactID)
	if id, ok := s.leadByContact[key]; ok {
		return s.leads[id], nil
	}
	l := store.Lead{ID: newID(), TenantID: tenantID, ContactID: contactID, UpdatedAt: time.Now().UTC()}
	s.leads[l.ID] = l
	s.leadByContact[key] = l.ID
	return l, nil
}

func (s *Store) AppendLeadActivity(_ context.Context, tenantID, leadID, messageID string) (store.LeadActivity, bool, error) {
	if s.Degraded {
		return store.LeadActivity{}, false, store.ErrDegraded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tkey(tenantID, messageID)
	if id, ok := s.leadActivityByMessage[key]; ok {
		return s.leadActs[id], false, nil
	}
	a := store.LeadActivity{ID: newID(), TenantID: tenantID, LeadID: leadID, MessageID: messageID, CreatedAt: time.Now().UTC()}
	s.leadActs[a.ID] = a
	s.leadActivityByMessage[key] = a.ID
	return a, true, nil
}

// ---- Allocations ----

func (s *Store) AddAllocation(_ context.Context, a store.Allocation) (store.Allocation, bool, error) {
	if s.Degraded {
		return store.Allocation{}, false, store.ErrDegraded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existingID, ok := s.allocationByKey[a.DedupeKey]; ok {
		return s.allocs[existingID], false, nil
	}
	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.allocs[a.ID] = a
	s.allocationByKey[a.DedupeKey] = a.ID
	return a, true, nil
}

var _ store.Store = (*Store)(nil)
