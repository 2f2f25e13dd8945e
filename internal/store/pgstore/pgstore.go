// Package pgstore is a PostgreSQL-backed implementation of store.Store,
// grounded on the teacher's services/storage/internal/relational/
// postgres_store.go idiom: a caller-supplied *sql.DB, a Clock for
// deterministic timestamps in tests, fmt-wrapped sentinel errors, and an
// idempotent EnsureSchema. Unlike the teacher's object store (a single
// ON CONFLICT DO UPDATE table), the ingestion schema spans many tables with
// different conflict semantics, so each write follows spec.md §9's explicit
// insert-catch-unique-read pattern instead of a blanket upsert.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/leadengine/wa-ingest/internal/store"
)

// Clock supplies the current time; overridable for deterministic tests.
type Clock func() time.Time

// Options configures a new Store.
type Options struct {
	// Clock supplies timestamps for rows the caller does not stamp itself.
	// Defaults to time.Now().UTC().
	Clock Clock
}

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	db    *sql.DB
	clock Clock
}

// New wraps db. db must already be open and reachable; New does not ping it.
func New(db *sql.DB, opts Options) (*Store, error) {
	if db == nil {
		return nil, errors.New("pgstore: db is nil")
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Store{db: db, clock: opts.Clock}, nil
}

// EnsureSchema creates every backing table if it does not already exist.
// Idempotent; safe to call on every process start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			broker_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS instances_broker_uk ON instances (broker_id) WHERE broker_id <> ''`,
		`CREATE UNIQUE INDEX IF NOT EXISTS instances_tenant_broker_uk ON instances (tenant_id, broker_id) WHERE broker_id <> ''`,
		`CREATE TABLE IF NOT EXISTS queues (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			is_default BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS queues_tenant_default_uk ON queues (tenant_id) WHERE is_default`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			primary_phone TEXT NOT NULL DEFAULT '',
			document TEXT NOT NULL DEFAULT '',
			identity_key TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS contacts_identity_uk ON contacts (tenant_id, identity_key)`,
		`CREATE TABLE IF NOT EXISTS tickets (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			queue_id TEXT NOT NULL DEFAULT '',
			chat_id TEXT NOT NULL,
			status TEXT NOT NULL,
			agreement_id TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL,
			last_message_at TIMESTAMPTZ,
			last_message_preview TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS tickets_open_chat_uk ON tickets (tenant_id, chat_id) WHERE status = 'OPEN'`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			ticket_id TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			media_url TEXT NOT NULL DEFAULT '',
			mime_type TEXT NOT NULL DEFAULT '',
			file_size BIGINT NOT NULL DEFAULT 0,
			external_id TEXT NOT NULL DEFAULT '',
			instance_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			last_ack_status TEXT NOT NULL DEFAULT '',
			last_ack_received_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_external_uk ON messages (tenant_id, external_id) WHERE external_id <> ''`,
		`CREATE TABLE IF NOT EXISTS poll_metadata (
			poll_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			instance_id TEXT NOT NULL DEFAULT '',
			question TEXT NOT NULL DEFAULT '',
			options_json TEXT NOT NULL DEFAULT '[]',
			allow_multiple BOOLEAN NOT NULL DEFAULT FALSE,
			creation_message_id TEXT NOT NULL DEFAULT '',
			creation_message_key TEXT NOT NULL DEFAULT '',
			message_secret TEXT NOT NULL DEFAULT '',
			message_secret_version INT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS poll_state (
			poll_id TEXT PRIMARY KEY,
			state_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS media_jobs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			message_id TEXT NOT NULL DEFAULT '',
			message_external_id TEXT NOT NULL DEFAULT '',
			instance_id TEXT NOT NULL DEFAULT '',
			broker_id TEXT NOT NULL DEFAULT '',
			media_type TEXT NOT NULL DEFAULT '',
			media_key TEXT NOT NULL DEFAULT '',
			direct_path TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			attempts INT NOT NULL DEFAULT 0,
			next_retry_at TIMESTAMPTZ NOT NULL,
			state TEXT NOT NULL,
			last_error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS media_jobs_pending_idx ON media_jobs (state, next_retry_at)`,
		`CREATE TABLE IF NOT EXISTS leads (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS leads_contact_uk ON leads (tenant_id, contact_id)`,
		`CREATE TABLE IF NOT EXISTS lead_activities (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			lead_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS lead_activities_message_uk ON lead_activities (tenant_id, message_id)`,
		`CREATE TABLE IF NOT EXISTS allocations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			campaign_id TEXT NOT NULL DEFAULT '',
			instance_id TEXT NOT NULL DEFAULT '',
			lead_id TEXT NOT NULL DEFAULT '',
			dedupe_key TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS allocations_dedupe_uk ON allocations (dedupe_key)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("pgstore: ensure schema: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMetadata(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

// ---- Instances ----

func (s *Store) FindInstanceByID(ctx context.Context, tenantID, id string) (store.Instance, error) {
	var inst store.Instance
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, broker_id, status FROM instances WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	).Scan(&inst.ID, &inst.TenantID, &inst.BrokerID, &inst.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Instance{}, store.ErrNotFound
	}
	if err != nil {
		return store.Instance{}, fmt.Errorf("pgstore: find instance by id: %w", err)
	}
	return inst, nil
}

func (s *Store) FindInstanceByBrokerID(ctx context.Context, brokerID string) (store.Instance, error) {
	var inst store.Instance
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, broker_id, status FROM instances WHERE broker_id = $1`,
		brokerID,
	).Scan(&inst.ID, &inst.TenantID, &inst.BrokerID, &inst.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Instance{}, store.ErrNotFound
	}
	if err != nil {
		return store.Instance{}, fmt.Errorf("pgstore: find instance by broker: %w", err)
	}
	return inst, nil
}

func (s *Store) FindInstanceByTenantBroker(ctx context.Context, tenantID, brokerID string) (store.Instance, error) {
	var inst store.Instance
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, broker_id, status FROM instances WHERE tenant_id = $1 AND broker_id = $2`,
		tenantID, brokerID,
	).Scan(&inst.ID, &inst.TenantID, &inst.BrokerID, &inst.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Instance{}, store.ErrNotFound
	}
	if err != nil {
		return store.Instance{}, fmt.Errorf("pgstore: find instance by tenant+broker: %w", err)
	}
	return inst, nil
}

func (s *Store) FindDefaultInstanceByTenant(ctx context.Context, tenantID string) (store.Instance, error) {
	var inst store.Instance
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, broker_id, status FROM instances WHERE tenant_id = $1 ORDER BY id ASC LIMIT 1`,
		tenantID,
	).Scan(&inst.ID, &inst.TenantID, &inst.BrokerID, &inst.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Instance{}, store.ErrNotFound
	}
	if err != nil {
		return store.Instance{}, fmt.Errorf("pgstore: find default instance: %w", err)
	}
	return inst, nil
}

func (s *Store) CreateInstance(ctx context.Context, inst store.Instance) (store.Instance, error) {
	if inst.ID == "" {
		inst.ID = newID()
	}
	if inst.Status == "" {
		inst.Status = store.InstanceStatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (id, tenant_id, broker_id, status) VALUES ($1, $2, $3, $4)`,
		inst.ID, inst.TenantID, inst.BrokerID, inst.Status,
	)
	if err != nil {
		if isUniqueViolation(err) {
			existing, findErr := s.FindInstanceByTenantBroker(ctx, inst.TenantID, inst.BrokerID)
			if findErr != nil {
				existing, findErr = s.FindInstanceByBrokerID(ctx, inst.BrokerID)
				if findErr != nil {
					return store.Instance{}, fmt.Errorf("pgstore: create instance: conflict re-read: %w", findErr)
				}
			}
			return store.Instance{}, &store.ConflictError{ExistingID: existing.ID}
		}
		return store.Instance{}, fmt.Errorf("pgstore: create instance: %w", err)
	}
	return inst, nil
}

// ---- Queues ----

func (s *Store) FindDefaultQueue(ctx context.Context, tenantID string) (store.Queue, error) {
	var q store.Queue
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, is_default FROM queues WHERE tenant_id = $1 AND is_default`,
		tenantID,
	).Scan(&q.ID, &q.TenantID, &q.Name, &q.IsDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Queue{}, store.ErrNotFound
	}
	if err != nil {
		return store.Queue{}, fmt.Errorf("pgstore: find default queue: %w", err)
	}
	return q, nil
}

func (s *Store) CreateQueue(ctx context.Context, q store.Queue) (store.Queue, error) {
	if q.ID == "" {
		q.ID = newID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queues (id, tenant_id, name, is_default) VALUES ($1, $2, $3, $4)`,
		q.ID, q.TenantID, q.Name, q.IsDefault,
	)
	if err != nil {
		if isUniqueViolation(err) {
			existing, findErr := s.FindDefaultQueue(ctx, q.TenantID)
			if findErr != nil {
				return store.Queue{}, fmt.Errorf("pgstore: create queue: conflict re-read: %w", findErr)
			}
			return store.Queue{}, &store.ConflictError{ExistingID: existing.ID}
		}
		return store.Queue{}, fmt.Errorf("pgstore: create queue: %w", err)
	}
	return q, nil
}

// ---- Contacts ----

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

func (s *Store) findContactByIdentity(ctx context.Context, tenantID, identity string) (store.Contact, error) {
	var c store.Contact
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, display_name, primary_phone, document FROM contacts WHERE tenant_id = $1 AND identity_key = $2`,
		tenantID, identity,
	).Scan(&c.ID, &c.TenantID, &c.DisplayName, &c.PrimaryPhone, &c.Document)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Contact{}, store.ErrNotFound
	}
	if err != nil {
		return store.Contact{}, fmt.Errorf("pgstore: find contact: %w", err)
	}
	return c, nil
}

func (s *Store) FindOrCreateContact(ctx context.Context, in store.NewContact) (store.Contact, error) {
	identity := contactIdentity(in)
	if existing, err := s.findContactByIdentity(ctx, in.TenantID, identity); err == nil {
		if in.DisplayName != "" && existing.DisplayName == "" {
			if _, err := s.db.ExecContext(ctx,
				`UPDATE contacts SET display_name = $1 WHERE id = $2`, in.DisplayName, existing.ID,
			); err != nil {
				return store.Contact{}, fmt.Errorf("pgstore: backfill contact display name: %w", err)
			}
			existing.DisplayName = in.DisplayName
		}
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Contact{}, err
	}

	c := store.Contact{
		ID:           newID(),
		TenantID:     in.TenantID,
		DisplayName:  in.DisplayName,
		PrimaryPhone: in.PrimaryPhone,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (id, tenant_id, display_name, primary_phone, document, identity_key) VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.TenantID, c.DisplayName, c.PrimaryPhone, c.Document, identity,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return s.findContactByIdentity(ctx, in.TenantID, identity)
		}
		return store.Contact{}, fmt.Errorf("pgstore: create contact: %w", err)
	}
	return c, nil
}

// ---- Tickets ----

func (s *Store) FindOpenTicketByChat(ctx context.Context, tenantID, chatID string) (store.Ticket, error) {
	t, err := s.scanTicket(s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, contact_id, queue_id, chat_id, status, agreement_id, metadata_json, updated_at, last_message_at, last_message_preview
		 FROM tickets WHERE tenant_id = $1 AND chat_id = $2 AND status = 'OPEN'`,
		tenantID, chatID,
	))
	if err != nil {
		return store.Ticket{}, err
	}
	return t, nil
}

func (s *Store) scanTicket(row *sql.Row) (store.Ticket, error) {
	var t store.Ticket
	var metaJSON string
	var lastMessageAt sql.NullTime
	err := row.Scan(&t.ID, &t.TenantID, &t.ContactID, &t.QueueID, &t.ChatID, &t.Status, &t.AgreementID,
		&metaJSON, &t.UpdatedAt, &lastMessageAt, &t.LastMessagePreview)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Ticket{}, store.ErrNotFound
	}
	if err != nil {
		return store.Ticket{}, fmt.Errorf("pgstore: scan ticket: %w", err)
	}
	t.Metadata = unmarshalMetadata(metaJSON)
	if lastMessageAt.Valid {
		t.LastMessageAt = lastMessageAt.Time
	}
	return t, nil
}

func (s *Store) CreateTicket(ctx context.Context, t store.Ticket) (store.Ticket, bool, error) {
	if t.ID == "" {
		t.ID = newID()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = s.clock()
	}
	metaJSON, err := marshalJSON(t.Metadata)
	if err != nil {
		return store.Ticket{}, false, fmt.Errorf("pgstore: marshal ticket metadata: %w", err)
	}
	var lastMessageAt any
	if !t.LastMessageAt.IsZero() {
		lastMessageAt = t.LastMessageAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tickets (id, tenant_id, contact_id, queue_id, chat_id, status, agreement_id, metadata_json, updated_at, last_message_at, last_message_preview)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.TenantID, t.ContactID, t.QueueID, t.ChatID, t.Status, t.AgreementID, metaJSON, t.UpdatedAt, lastMessageAt, t.LastMessagePreview,
	)
	if err != nil {
		if isUniqueViolation(err) && t.Status == store.TicketStatusOpen {
			existing, findErr := s.FindOpenTicketByChat(ctx, t.TenantID, t.ChatID)
			if findErr != nil {
				return store.Ticket{}, false, fmt.Errorf("pgstore: create ticket: conflict re-read: %w", findErr)
			}
			return existing, false, nil
		}
		return store.Ticket{}, false, fmt.Errorf("pgstore: create ticket: %w", err)
	}
	return t, true, nil
}

func (s *Store) UpdateTicket(ctx context.Context, t store.Ticket) error {
	metaJSON, err := marshalJSON(t.Metadata)
	if err != nil {
		return fmt.Errorf("pgstore: marshal ticket metadata: %w", err)
	}
	var lastMessageAt any
	if !t.LastMessageAt.IsZero() {
		lastMessageAt = t.LastMessageAt
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tickets SET contact_id = $1, queue_id = $2, chat_id = $3, status = $4, agreement_id = $5,
		 metadata_json = $6, updated_at = $7, last_message_at = $8, last_message_preview = $9 WHERE id = $10`,
		t.ContactID, t.QueueID, t.ChatID, t.Status, t.AgreementID, metaJSON, t.UpdatedAt, lastMessageAt, t.LastMessagePreview, t.ID,
	)
	if err != nil {
		return fmt.Errorf("pgstore: update ticket: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ---- Messages ----

func (s *Store) scanMessage(row *sql.Row) (store.Message, error) {
	var m store.Message
	var metaJSON string
	var lastAckStatus string
	var lastAckReceivedAt sql.NullTime
	err := row.Scan(&m.ID, &m.TenantID, &m.TicketID, &m.Direction, &m.Type, &m.Content, &m.MediaURL, &m.MimeType,
		&m.FileSize, &m.ExternalID, &m.InstanceID, &m.Status, &metaJSON, &m.CreatedAt, &lastAckStatus, &lastAckReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Message{}, store.ErrNotFound
	}
	if err != nil {
		return store.Message{}, fmt.Errorf("pgstore: scan message: %w", err)
	}
	m.Metadata = unmarshalMetadata(metaJSON)
	if lastAckStatus != "" {
		m.LastAck = &store.AckState{Status: store.MessageStatus(lastAckStatus), ReceivedAt: lastAckReceivedAt.Time}
	}
	return m, nil
}

const messageColumns = `id, tenant_id, ticket_id, direction, type, content, media_url, mime_type, file_size,
	external_id, instance_id, status, metadata_json, created_at, last_ack_status, last_ack_received_at`

func (s *Store) FindMessageByExternalID(ctx context.Context, tenantID, externalID string) (store.Message, error) {
	return s.scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE tenant_id = $1 AND external_id = $2`,
		tenantID, externalID,
	))
}

func (s *Store) GetMessage(ctx context.Context, tenantID, messageID string) (store.Message, error) {
	return s.scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE tenant_id = $1 AND id = $2`,
		tenantID, messageID,
	))
}

func (s *Store) CreateMessage(ctx context.Context, in store.NewMessage) (store.Message, bool, error) {
	if in.ExternalID != "" {
		if existing, err := s.FindMessageByExternalID(ctx, in.TenantID, in.ExternalID); err == nil {
			return existing, false, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return store.Message{}, false, err
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
		CreatedAt:  s.clock(),
	}
	metaJSON, err := marshalJSON(m.Metadata)
	if err != nil {
		return store.Message{}, false, fmt.Errorf("pgstore: marshal message metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Message{}, false, fmt.Errorf("pgstore: begin create message tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		m.ID, m.TenantID, m.TicketID, m.Direction, m.Type, m.Content, m.MediaURL, m.MimeType, m.FileSize,
		m.ExternalID, m.InstanceID, m.Status, metaJSON, m.CreatedAt, "", nil,
	)
	if err != nil {
		if isUniqueViolation(err) {
			existing, findErr := s.FindMessageByExternalID(ctx, in.TenantID, in.ExternalID)
			if findErr != nil {
				return store.Message{}, false, fmt.Errorf("pgstore: create message: conflict re-read: %w", findErr)
			}
			return existing, false, nil
		}
		return store.Message{}, false, fmt.Errorf("pgstore: create message: %w", err)
	}

	if m.TicketID != "" {
		preview := m.Content
		if len(preview) > 120 {
			preview = preview[:120]
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tickets SET last_message_at = $1, last_message_preview = $2, updated_at = $1 WHERE id = $3`,
			m.CreatedAt, preview, m.TicketID,
		); err != nil {
			return store.Message{}, false, fmt.Errorf("pgstore: update ticket preview: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return store.Message{}, false, fmt.Errorf("pgstore: commit create message tx: %w", err)
	}
	return m, true, nil
}

func (s *Store) UpdateMessage(ctx context.Context, m store.Message) error {
	metaJSON, err := marshalJSON(m.Metadata)
	if err != nil {
		return fmt.Errorf("pgstore: marshal message metadata: %w", err)
	}
	var lastAckStatus string
	var lastAckReceivedAt any
	if m.LastAck != nil {
		lastAckStatus = string(m.LastAck.Status)
		lastAckReceivedAt = m.LastAck.ReceivedAt
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET ticket_id = $1, direction = $2, type = $3, content = $4, media_url = $5, mime_type = $6,
		 file_size = $7, external_id = $8, instance_id = $9, status = $10, metadata_json = $11,
		 last_ack_status = $12, last_ack_received_at = $13 WHERE id = $14 AND tenant_id = $15`,
		m.TicketID, m.Direction, m.Type, m.Content, m.MediaURL, m.MimeType, m.FileSize, m.ExternalID, m.InstanceID,
		m.Status, metaJSON, lastAckStatus, lastAckReceivedAt, m.ID, m.TenantID,
	)
	if err != nil {
		return fmt.Errorf("pgstore: update message: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ApplyBrokerAck runs the monotonicity/late-drop decision inside the same
// transaction that reads and writes the row, matching memstore's atomic
// check-then-write and pgstore's row-locking idiom (SELECT ... FOR UPDATE).
func (s *Store) ApplyBrokerAck(ctx context.Context, tenantID, messageID string, upd store.AckUpdate) (store.Message, bool, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Message{}, false, "", fmt.Errorf("pgstore: begin ack tx: %w", err)
	}
	defer tx.Rollback()

	var m store.Message
	var metaJSON string
	var lastAckStatus string
	var lastAckReceivedAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		tenantID, messageID,
	).Scan(&m.ID, &m.TenantID, &m.TicketID, &m.Direction, &m.Type, &m.Content, &m.MediaURL, &m.MimeType,
		&m.FileSize, &m.ExternalID, &m.InstanceID, &m.Status, &metaJSON, &m.CreatedAt, &lastAckStatus, &lastAckReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Message{}, false, "", store.ErrNotFound
	}
	if err != nil {
		return store.Message{}, false, "", fmt.Errorf("pgstore: lock message for ack: %w", err)
	}
	m.Metadata = unmarshalMetadata(metaJSON)
	if lastAckStatus != "" {
		m.LastAck = &store.AckState{Status: store.MessageStatus(lastAckStatus), ReceivedAt: lastAckReceivedAt.Time}
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
		receivedAt = s.clock()
	}
	m.LastAck = &store.AckState{Status: upd.Status, ReceivedAt: receivedAt}

	newMetaJSON, err := marshalJSON(m.Metadata)
	if err != nil {
		return store.Message{}, false, "", fmt.Errorf("pgstore: marshal ack metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET status = $1, instance_id = $2, metadata_json = $3, last_ack_status = $4, last_ack_received_at = $5
		 WHERE id = $6`,
		m.Status, m.InstanceID, newMetaJSON, string(m.LastAck.Status), m.LastAck.ReceivedAt, m.ID,
	); err != nil {
		return store.Message{}, false, "", fmt.Errorf("pgstore: apply ack: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return store.Message{}, false, "", fmt.Errorf("pgstore: commit ack tx: %w", err)
	}
	return m, true, "", nil
}

// ---- Polls ----

func (s *Store) UpsertPollMetadata(ctx context.Context, pm store.PollMetadata) error {
	optsJSON, err := marshalJSON(pm.Options)
	if err != nil {
		return fmt.Errorf("pgstore: marshal poll options: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO poll_metadata (poll_id, tenant_id, instance_id, question, options_json, allow_multiple,
		 creation_message_id, creation_message_key, message_secret, message_secret_version)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (poll_id) DO UPDATE SET
		   tenant_id = EXCLUDED.tenant_id, instance_id = EXCLUDED.instance_id, question = EXCLUDED.question,
		   options_json = EXCLUDED.options_json, allow_multiple = EXCLUDED.allow_multiple,
		   creation_message_id = EXCLUDED.creation_message_id, creation_message_key = EXCLUDED.creation_message_key,
		   message_secret = EXCLUDED.message_secret, message_secret_version = EXCLUDED.message_secret_version`,
		pm.PollID, pm.TenantID, pm.InstanceID, pm.Question, optsJSON, pm.AllowMultipleAnswers,
		pm.CreationMessageID, pm.CreationMessageKey, pm.MessageSecret, pm.MessageSecretVersion,
	)
	if err != nil {
		return fmt.Errorf("pgstore: upsert poll metadata: %w", err)
	}
	return nil
}

func (s *Store) GetPollMetadata(ctx context.Context, tenantID, pollID string) (store.PollMetadata, error) {
	var pm store.PollMetadata
	var optsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT poll_id, tenant_id, instance_id, question, options_json, allow_multiple,
		 creation_message_id, creation_message_key, message_secret, message_secret_version
		 FROM poll_metadata WHERE poll_id = $1 AND tenant_id = $2`,
		pollID, tenantID,
	).Scan(&pm.PollID, &pm.TenantID, &pm.InstanceID, &pm.Question, &optsJSON, &pm.AllowMultipleAnswers,
		&pm.CreationMessageID, &pm.CreationMessageKey, &pm.MessageSecret, &pm.MessageSecretVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return store.PollMetadata{}, store.ErrNotFound
	}
	if err != nil {
		return store.PollMetadata{}, fmt.Errorf("pgstore: get poll metadata: %w", err)
	}
	if optsJSON != "" {
		_ = json.Unmarshal([]byte(optsJSON), &pm.Options)
	}
	return pm, nil
}

func (s *Store) FindPollVoteMessageCandidate(ctx context.Context, tenantID, pollID, chatID string) (store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE tenant_id = $1 AND (id = $2 OR metadata_json::jsonb ->> 'pollCreationMessageId' = $2)
		 ORDER BY created_at ASC LIMIT 1`,
		tenantID, pollID,
	)
	if err != nil {
		return store.Message{}, fmt.Errorf("pgstore: find poll vote candidate: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return store.Message{}, store.ErrNotFound
	}
	var m store.Message
	var metaJSON, lastAckStatus string
	var lastAckReceivedAt sql.NullTime
	if err := rows.Scan(&m.ID, &m.TenantID, &m.TicketID, &m.Direction, &m.Type, &m.Content, &m.MediaURL, &m.MimeType,
		&m.FileSize, &m.ExternalID, &m.InstanceID, &m.Status, &metaJSON, &m.CreatedAt, &lastAckStatus, &lastAckReceivedAt); err != nil {
		return store.Message{}, fmt.Errorf("pgstore: scan poll vote candidate: %w", err)
	}
	m.Metadata = unmarshalMetadata(metaJSON)
	if lastAckStatus != "" {
		m.LastAck = &store.AckState{Status: store.MessageStatus(lastAckStatus), ReceivedAt: lastAckReceivedAt.Time}
	}
	return m, nil
}

func (s *Store) GetPollState(ctx context.Context, pollID string) (store.PollChoiceState, error) {
	var stateJSON string
	err := s.db.QueryRowContext(ctx, `SELECT state_json FROM poll_state WHERE poll_id = $1`, pollID).Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return store.PollChoiceState{}, store.ErrNotFound
	}
	if err != nil {
		return store.PollChoiceState{}, fmt.Errorf("pgstore: get poll state: %w", err)
	}
	var st store.PollChoiceState
	if err := json.Unmarshal([]byte(stateJSON), &st); err != nil {
		return store.PollChoiceState{}, fmt.Errorf("pgstore: decode poll state: %w", err)
	}
	return st, nil
}

func (s *Store) SetPollState(ctx context.Context, state store.PollChoiceState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("pgstore: encode poll state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO poll_state (poll_id, state_json) VALUES ($1, $2)
		 ON CONFLICT (poll_id) DO UPDATE SET state_json = EXCLUDED.state_json`,
		state.PollID, string(stateJSON),
	)
	if err != nil {
		return fmt.Errorf("pgstore: set poll state: %w", err)
	}
	return nil
}

// ---- Media jobs ----

const mediaJobColumns = `id, tenant_id, message_id, message_external_id, instance_id, broker_id, media_type,
	media_key, direct_path, metadata_json, attempts, next_retry_at, state, last_error`

func scanMediaJob(scan func(dest ...any) error) (store.MediaJob, error) {
	var j store.MediaJob
	var metaJSON string
	if err := scan(&j.ID, &j.TenantID, &j.MessageID, &j.MessageExternalID, &j.InstanceID, &j.BrokerID, &j.MediaType,
		&j.MediaKey, &j.DirectPath, &metaJSON, &j.Attempts, &j.NextRetryAt, &j.State, &j.LastError); err != nil {
		return store.MediaJob{}, err
	}
	j.Metadata = unmarshalMetadata(metaJSON)
	return j, nil
}

func (s *Store) InsertMediaJob(ctx context.Context, job store.MediaJob) (store.MediaJob, error) {
	if job.ID == "" {
		job.ID = newID()
	}
	if job.State == "" {
		job.State = store.MediaJobPending
	}
	metaJSON, err := marshalJSON(job.Metadata)
	if err != nil {
		return store.MediaJob{}, fmt.Errorf("pgstore: marshal media job metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO media_jobs (`+mediaJobColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		job.ID, job.TenantID, job.MessageID, job.MessageExternalID, job.InstanceID, job.BrokerID, job.MediaType,
		job.MediaKey, job.DirectPath, metaJSON, job.Attempts, job.NextRetryAt, job.State, job.LastError,
	)
	if err != nil {
		return store.MediaJob{}, fmt.Errorf("pgstore: insert media job: %w", err)
	}
	return job, nil
}

func (s *Store) FindPendingInboundMediaJobs(ctx context.Context, limit int, now time.Time) ([]store.MediaJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mediaJobColumns+` FROM media_jobs WHERE state = $1 AND next_retry_at <= $2
		 ORDER BY next_retry_at ASC LIMIT $3`,
		store.MediaJobPending, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore: find pending media jobs: %w", err)
	}
	defer rows.Close()
	var out []store.MediaJob
	for rows.Next() {
		j, err := scanMediaJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan media job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) MarkInboundMediaJobProcessing(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE media_jobs SET state = $1 WHERE id = $2 AND state = $3`,
		store.MediaJobProcessing, id, store.MediaJobPending,
	)
	if err != nil {
		return false, fmt.Errorf("pgstore: lease media job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) CompleteInboundMediaJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE media_jobs SET state = $1 WHERE id = $2`, store.MediaJobDone, id)
	if err != nil {
		return fmt.Errorf("pgstore: complete media job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) FailInboundMediaJob(ctx context.Context, id string, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE media_jobs SET state = $1, last_error = $2 WHERE id = $3`,
		store.MediaJobFailed, lastErr, id,
	)
	if err != nil {
		return fmt.Errorf("pgstore: fail media job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) RescheduleInboundMediaJob(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE media_jobs SET state = $1, attempts = attempts + 1, next_retry_at = $2, last_error = $3 WHERE id = $4`,
		store.MediaJobPending, nextRetryAt, lastErr, id,
	)
	if err != nil {
		return fmt.Errorf("pgstore: reschedule media job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ---- Leads ----

func (s *Store) UpsertLead(ctx context.Context, tenantID, contactID string) (store.Lead, error) {
	var l store.Lead
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, contact_id, updated_at FROM leads WHERE tenant_id = $1 AND contact_id = $2`,
		tenantID, contactID,
	).Scan(&l.ID, &l.TenantID, &l.ContactID, &l.UpdatedAt)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.Lead{}, fmt.Errorf("pgstore: find lead: %w", err)
	}

	l = store.Lead{ID: newID(), TenantID: tenantID, ContactID: contactID, UpdatedAt: s.clock()}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO leads (id, tenant_id, contact_id, updated_at) VALUES ($1, $2, $3, $4)`,
		l.ID, l.TenantID, l.ContactID, l.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return s.UpsertLead(ctx, tenantID, contactID)
		}
		return store.Lead{}, fmt.Errorf("pgstore: create lead: %w", err)
	}
	return l, nil
}

func (s *Store) AppendLeadActivity(ctx context.Context, tenantID, leadID, messageID string) (store.LeadActivity, bool, error) {
	var a store.LeadActivity
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, lead_id, message_id, created_at FROM lead_activities WHERE tenant_id = $1 AND message_id = $2`,
		tenantID, messageID,
	).Scan(&a.ID, &a.TenantID, &a.LeadID, &a.MessageID, &a.CreatedAt)
	if err == nil {
		return a, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.LeadActivity{}, false, fmt.Errorf("pgstore: find lead activity: %w", err)
	}

	a = store.LeadActivity{ID: newID(), TenantID: tenantID, LeadID: leadID, MessageID: messageID, CreatedAt: s.clock()}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lead_activities (id, tenant_id, lead_id, message_id, created_at) VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.TenantID, a.LeadID, a.MessageID, a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return s.AppendLeadActivity(ctx, tenantID, leadID, messageID)
		}
		return store.LeadActivity{}, false, fmt.Errorf("pgstore: append lead activity: %w", err)
	}
	return a, true, nil
}

// ---- Allocations ----

func (s *Store) AddAllocation(ctx context.Context, a store.Allocation) (store.Allocation, bool, error) {
	var existing store.Allocation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, campaign_id, instance_id, lead_id, dedupe_key, created_at FROM allocations WHERE dedupe_key = $1`,
		a.DedupeKey,
	).Scan(&existing.ID, &existing.TenantID, &existing.CampaignID, &existing.InstanceID, &existing.LeadID, &existing.DedupeKey, &existing.CreatedAt)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.Allocation{}, false, fmt.Errorf("pgstore: find allocation: %w", err)
	}

	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO allocations (id, tenant_id, campaign_id, instance_id, lead_id, dedupe_key, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.TenantID, a.CampaignID, a.InstanceID, a.LeadID, a.DedupeKey, a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return s.AddAllocation(ctx, a)
		}
		return store.Allocation{}, false, fmt.Errorf("pgstore: insert allocation: %w", err)
	}
	return a, true, nil
}
