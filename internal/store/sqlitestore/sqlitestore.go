// Package sqlitestore is a SQLite-backed implementation of store.Store,
// adapted from pgstore's insert-catch-unique-read idiom (itself grounded on
// the teacher's postgres_store.go) to SQLite's positional "?" placeholders
// and github.com/mattn/go-sqlite3's error-code surface. Intended for local
// development and single-process deployments where a full PostgreSQL
// instance is unwarranted, per spec.md §6's DATABASE_URL "sqlite://" scheme.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/leadengine/wa-ingest/internal/store"
)

// Clock supplies the current time; overridable for deterministic tests.
type Clock func() time.Time

// Options configures a new Store.
type Options struct {
	Clock Clock
}

// Store is a SQLite-backed store.Store.
type Store struct {
	db    *sql.DB
	clock Clock
}

// New wraps db, which must already be open (driver name "sqlite3").
func New(db *sql.DB, opts Options) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqlitestore: db is nil")
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Store{db: db, clock: opts.Clock}, nil
}

// EnsureSchema creates every backing table if it does not already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON`,
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
			is_default INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS queues_tenant_default_uk ON queues (tenant_id) WHERE is_default = 1`,
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
			updated_at DATETIME NOT NULL,
			last_message_at DATETIME,
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
			file_size INTEGER NOT NULL DEFAULT 0,
			external_id TEXT NOT NULL DEFAULT '',
			instance_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			last_ack_status TEXT NOT NULL DEFAULT '',
			last_ack_received_at DATETIME
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_external_uk ON messages (tenant_id, external_id) WHERE external_id <> ''`,
		`CREATE TABLE IF NOT EXISTS poll_metadata (
			poll_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			instance_id TEXT NOT NULL DEFAULT '',
			question TEXT NOT NULL DEFAULT '',
			options_json TEXT NOT NULL DEFAULT '[]',
			allow_multiple INTEGER NOT NULL DEFAULT 0,
			creation_message_id TEXT NOT NULL DEFAULT '',
			creation_message_key TEXT NOT NULL DEFAULT '',
			message_secret TEXT NOT NULL DEFAULT '',
			message_secret_version INTEGER NOT NULL DEFAULT 0
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
			attempts INTEGER NOT NULL DEFAULT 0,
			next_retry_at DATETIME NOT NULL,
			state TEXT NOT NULL,
			last_error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS media_jobs_pending_idx ON media_jobs (state, next_retry_at)`,
		`CREATE TABLE IF NOT EXISTS leads (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS leads_contact_uk ON leads (tenant_id, contact_id)`,
		`CREATE TABLE IF NOT EXISTS lead_activities (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			lead_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS lead_activities_message_uk ON lead_activities (tenant_id, message_id)`,
		`CREATE TABLE IF NOT EXISTS allocations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			campaign_id TEXT NOT NULL DEFAULT '',
			instance_id TEXT NOT NULL DEFAULT '',
			lead_id TEXT NOT NULL DEFAULT '',
			dedupe_key TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS allocations_dedupe_uk ON allocations (dedupe_key)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlitestore: ensure schema: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func newID() string { return uuid.NewString() }

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
		`SELECT id, tenant_id, broker_id, status FROM instances WHERE id = ? AND tenant_id = ?`,
		id, tenantID,
	).Scan(&inst.ID, &inst.TenantID, &inst.BrokerID, &inst.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Instance{}, store.ErrNotFound
	}
	if err != nil {
		return store.Instance{}, fmt.Errorf("sqlitestore: find instance by id: %w", err)
	}
	return inst, nil
}

func (s *Store) FindInstanceByBrokerID(ctx context.Context, brokerID string) (store.Instance, error) {
	var inst store.Instance
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, broker_id, status FROM instances WHERE broker_id = ?`, brokerID,
	).Scan(&inst.ID, &inst.TenantID, &inst.BrokerID, &inst.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Instance{}, store.ErrNotFound
	}
	if err != nil {
		return store.Instance{}, fmt.Errorf("sqlitestore: find instance by broker: %w", err)
	}
	return inst, nil
}

func (s *Store) FindInstanceByTenantBroker(ctx context.Context, tenantID, brokerID string) (store.Instance, error) {
	var inst store.Instance
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, broker_id, status FROM instances WHERE tenant_id = ? AND broker_id = ?`,
		tenantID, brokerID,
	).Scan(&inst.ID, &inst.TenantID, &inst.BrokerID, &inst.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Instance{}, store.ErrNotFound
	}
	if err != nil {
		return store.Instance{}, fmt.Errorf("sqlitestore: find instance by tenant+broker: %w", err)
	}
	return inst, nil
}

func (s *Store) FindDefaultInstanceByTenant(ctx context.Context, tenantID string) (store.Instance, error) {
	var inst store.Instance
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, broker_id, status FROM instances WHERE tenant_id = ? ORDER BY id ASC LIMIT 1`,
		tenantID,
	).Scan(&inst.ID, &inst.TenantID, &inst.BrokerID, &inst.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Instance{}, store.ErrNotFound
	}
	if err != nil {
		return store.Instance{}, fmt.Errorf("sqlitestore: find default instance: %w", err)
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
		`INSERT INTO instances (id, tenant_id, broker_id, status) VALUES (?, ?, ?, ?)`,
		inst.ID, inst.TenantID, inst.BrokerID, inst.Status,
	)
	if err != nil {
		if isUniqueViolation(err) {
			existing, findErr := s.FindInstanceByTenantBroker(ctx, inst.TenantID, inst.BrokerID)
			if findErr != nil {
				existing, findErr = s.FindInstanceByBrokerID(ctx, inst.BrokerID)
				if findErr != nil {
					return store.Instance{}, fmt.Errorf("sqlitestore: create instance: conflict re-read: %w", findErr)
				}
			}
			return store.Instance{}, &store.ConflictError{ExistingID: existing.ID}
		}
		return store.Instance{}, fmt.Errorf("sqlitestore: create instance: %w", err)
	}
	return inst, nil
}

// ---- Queues ----

func (s *Store) FindDefaultQueue(ctx context.Context, tenantID string) (store.Queue, error) {
	var q store.Queue
	var isDefault int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, is_default FROM queues WHERE tenant_id = ? AND is_default = 1`,
		tenantID,
	).Scan(&q.ID, &q.TenantID, &q.Name, &isDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Queue{}, store.ErrNotFound
	}
	if err != nil {
		return store.Queue{}, fmt.Errorf("sqlitestore: find default queue: %w", err)
	}
	q.IsDefault = isDefault != 0
	return q, nil
}

func (s *Store) CreateQueue(ctx context.Context, q store.Queue) (store.Queue, error) {
	if q.ID == "" {
		q.ID = newID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queues (id, tenant_id, name, is_default) VALUES (?, ?, ?, ?)`,
		q.ID, q.TenantID, q.Name, boolToInt(q.IsDefault),
	)
	if err != nil {
		if isUniqueViolation(err) {
			existing, findErr := s.FindDefaultQueue(ctx, q.TenantID)
			if findErr != nil {
				return store.Queue{}, fmt.Errorf("sqlitestore: create queue: conflict re-read: %w", findErr)
			}
			return store.Queue{}, &store.ConflictError{ExistingID: existing.ID}
		}
		return store.Queue{}, fmt.Errorf("sqlitestore: create queue: %w", err)
	}
	return q, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
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
		`SELECT id, tenant_id, display_name, primary_phone, document FROM contacts WHERE tenant_id = ? AND identity_key = ?`,
		tenantID, identity,
	).Scan(&c.ID, &c.TenantID, &c.DisplayName, &c.PrimaryPhone, &c.Document)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Contact{}, store.ErrNotFound
	}
	if err != nil {
		return store.Contact{}, fmt.Errorf("sqlitestore: find contact: %w", err)
	}
	return c, nil
}

func (s *Store) FindOrCreateContact(ctx context.Context, in store.NewContact) (store.Contact, error) {
	identity := contactIdentity(in)
	if existing, err := s.findContactByIdentity(ctx, in.TenantID, identity); err == nil {
		if in.DisplayName != "" && existing.DisplayName == "" {
			if _, err := s.db.ExecContext(ctx,
				`UPDATE contacts SET display_name = ? WHERE id = ?`, in.DisplayName, existing.ID,
			); err != nil {
				return store.Contact{}, fmt.Errorf("sqlitestore: backfill contact display name: %w", err)
			}
			existing.DisplayName = in.DisplayName
		}
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Contact{}, err
	}

	c := store.Contact{ID: newID(), TenantID: in.TenantID, DisplayName: in.DisplayName, PrimaryPhone: in.PrimaryPhone}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (id, tenant_id, display_name, primary_phone, document, identity_key) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.DisplayName, c.PrimaryPhone, c.Document, identity,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return s.findContactByIdentity(ctx, in.TenantID, identity)
		}
		return store.Contact{}, fmt.Errorf("sqlitestore: create contact: %w", err)
	}
	return c, nil
}

// ---- Tickets ----

const ticketColumns = `id, tenant_id, contact_id, queue_id, chat_id, status, agreement_id, metadata_json,
	updated_at, last_message_at, last_message_preview`

func (s *Store) scanTicketRow(row *sql.Row) (store.Ticket, error) {
	var t store.Ticket
	var metaJSON string
	var lastMessageAt sql.NullTime
	err := row.Scan(&t.ID, &t.TenantID, &t.ContactID, &t.QueueID, &t.ChatID, &t.Status, &t.AgreementID,
		&metaJSON, &t.UpdatedAt, &lastMessageAt, &t.LastMessagePreview)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Ticket{}, store.ErrNotFound
	}
	if err != nil {
		return store.Ticket{}, fmt.Errorf("sqlitestore: scan ticket: %w", err)
	}
	t.Metadata = unmarshalMetadata(metaJSON)
	if lastMessageAt.Valid {
		t.LastMessageAt = lastMessageAt.Time
	}
	return t, nil
}

func (s *Store) FindOpenTicketByChat(ctx context.Context, tenantID, chatID string) (store.Ticket, error) {
	return s.scanTicketRow(s.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE tenant_id = ? AND chat_id = ? AND status = 'OPEN'`,
		tenantID, chatID,
	))
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
		return store.Ticket{}, false, fmt.Errorf("sqlitestore: marshal ticket metadata: %w", err)
	}
	var lastMessageAt any
	if !t.LastMessageAt.IsZero() {
		lastMessageAt = t.LastMessageAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tickets (`+ticketColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TenantID, t.ContactID, t.QueueID, t.ChatID, t.Status, t.AgreementID, metaJSON, t.UpdatedAt, lastMessageAt, t.LastMessagePreview,
	)
	if err != nil {
		if isUniqueViolation(err) && t.Status == store.TicketStatusOpen {
			existing, findErr := s.FindOpenTicketByChat(ctx, t.TenantID, t.ChatID)
			if findErr != nil {
				return store.Ticket{}, false, fmt.Errorf("sqlitestore: create ticket: conflict re-read: %w", findErr)
			}
			return existing, false, nil
		}
		return store.Ticket{}, false, fmt.Errorf("sqlitestore: create ticket: %w", err)
	}
	return t, true, nil
}

func (s *Store) UpdateTicket(ctx context.Context, t store.Ticket) error {
	metaJSON, err := marshalJSON(t.Metadata)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal ticket metadata: %w", err)
	}
	var lastMessageAt any
	if !t.LastMessageAt.IsZero() {
		lastMessageAt = t.LastMessageAt
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tickets SET contact_id = ?, queue_id = ?, chat_id = ?, status = ?, agreement_id = ?,
		 metadata_json = ?, updated_at = ?, last_message_at = ?, last_message_preview = ? WHERE id = ?`,
		t.ContactID, t.QueueID, t.ChatID, t.Status, t.AgreementID, metaJSON, t.UpdatedAt, lastMessageAt, t.LastMessagePreview, t.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: update ticket: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ---- Messages ----

const messageColumns = `id, tenant_id, ticket_id, direction, type, content, media_url, mime_type, file_size,
	external_id, instance_id, status, metadata_json, created_at, last_ack_status, last_ack_received_at`

func (s *Store) scanMessageRow(row *sql.Row) (store.Message, error) {
	var m store.Message
	var metaJSON, lastAckStatus string
	var lastAckReceivedAt sql.NullTime
	err := row.Scan(&m.ID, &m.TenantID, &m.TicketID, &m.Direction, &m.Type, &m.Content, &m.MediaURL, &m.MimeType,
		&m.FileSize, &m.ExternalID, &m.InstanceID, &m.Status, &metaJSON, &m.CreatedAt, &lastAckStatus, &lastAckReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Message{}, store.ErrNotFound
	}
	if err != nil {
		return store.Message{}, fmt.Errorf("sqlitestore: scan message: %w", err)
	}
	m.Metadata = unmarshalMetadata(metaJSON)
	if lastAckStatus != "" {
		m.LastAck = &store.AckState{Status: store.MessageStatus(lastAckStatus), ReceivedAt: lastAckReceivedAt.Time}
	}
	return m, nil
}

func (s *Store) FindMessageByExternalID(ctx context.Context, tenantID, externalID string) (store.Message, error) {
	return s.scanMessageRow(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE tenant_id = ? AND external_id = ?`, tenantID, externalID,
	))
}

func (s *Store) GetMessage(ctx context.Context, tenantID, messageID string) (store.Message, error) {
	return s.scanMessageRow(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE tenant_id = ? AND id = ?`, tenantID, messageID,
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
		ID: newID(), TenantID: in.TenantID, TicketID: in.TicketID, Direction: in.Direction, Type: in.Type,
		Content: in.Content, MediaURL: in.MediaURL, MimeType: in.MimeType, FileSize: in.FileSize,
		ExternalID: in.ExternalID, InstanceID: in.InstanceID, Status: store.MessageStatusPending,
		Metadata: in.Metadata, CreatedAt: s.clock(),
	}
	metaJSON, err := marshalJSON(m.Metadata)
	if err != nil {
		return store.Message{}, false, fmt.Errorf("sqlitestore: marshal message metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Message{}, false, fmt.Errorf("sqlitestore: begin create message tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.TenantID, m.TicketID, m.Direction, m.Type, m.Content, m.MediaURL, m.MimeType, m.FileSize,
		m.ExternalID, m.InstanceID, m.Status, metaJSON, m.CreatedAt, "", nil,
	)
	if err != nil {
		if isUniqueViolation(err) {
			existing, findErr := s.FindMessageByExternalID(ctx, in.TenantID, in.ExternalID)
			if findErr != nil {
				return store.Message{}, false, fmt.Errorf("sqlitestore: create message: conflict re-read: %w", findErr)
			}
			return existing, false, nil
		}
		return store.Message{}, false, fmt.Errorf("sqlitestore: create message: %w", err)
	}

	if m.TicketID != "" {
		preview := m.Content
		if len(preview) > 120 {
			preview = preview[:120]
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tickets SET last_message_at = ?, last_message_preview = ?, updated_at = ? WHERE id = ?`,
			m.CreatedAt, preview, m.CreatedAt, m.TicketID,
		); err != nil {
			return store.Message{}, false, fmt.Errorf("sqlitestore: update ticket preview: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return store.Message{}, false, fmt.Errorf("sqlitestore: commit create message tx: %w", err)
	}
	return m, true, nil
}

func (s *Store) UpdateMessage(ctx context.Context, m store.Message) error {
	metaJSON, err := marshalJSON(m.Metadata)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal message metadata: %w", err)
	}
	var lastAckStatus string
	var lastAckReceivedAt any
	if m.LastAck != nil {
		lastAckStatus = string(m.LastAck.Status)
		lastAckReceivedAt = m.LastAck.ReceivedAt
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET ticket_id = ?, direction = ?, type = ?, content = ?, media_url = ?, mime_type = ?,
		 file_size = ?, external_id = ?, instance_id = ?, status = ?, metadata_json = ?,
		 last_ack_status = ?, last_ack_received_at = ? WHERE id = ? AND tenant_id = ?`,
		m.TicketID, m.Direction, m.Type, m.Content, m.MediaURL, m.MimeType, m.FileSize, m.ExternalID, m.InstanceID,
		m.Status, metaJSON, lastAckStatus, lastAckReceivedAt, m.ID, m.TenantID,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: update message: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ApplyBrokerAck has no equivalent of PostgreSQL's row-level SELECT ... FOR
// UPDATE, since SQLite has no row lock primitive. BeginTx issues a plain
// (deferred) BEGIN; within one process the read-then-write sequence is
// serialized by storefactory's SetMaxOpenConns(1), which lets only one
// transaction hold the connection at a time.
func (s *Store) ApplyBrokerAck(ctx context.Context, tenantID, messageID string, upd store.AckUpdate) (store.Message, bool, string, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return store.Message{}, false, "", fmt.Errorf("sqlitestore: begin ack tx: %w", err)
	}
	defer tx.Rollback()

	var m store.Message
	var metaJSON, lastAckStatus string
	var lastAckReceivedAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE tenant_id = ? AND id = ?`, tenantID, messageID,
	).Scan(&m.ID, &m.TenantID, &m.TicketID, &m.Direction, &m.Type, &m.Content, &m.MediaURL, &m.MimeType,
		&m.FileSize, &m.ExternalID, &m.InstanceID, &m.Status, &metaJSON, &m.CreatedAt, &lastAckStatus, &lastAckReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Message{}, false, "", store.ErrNotFound
	}
	if err != nil {
		return store.Message{}, false, "", fmt.Errorf("sqlitestore: read message for ack: %w", err)
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
		return store.Message{}, false, "", fmt.Errorf("sqlitestore: marshal ack metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET status = ?, instance_id = ?, metadata_json = ?, last_ack_status = ?, last_ack_received_at = ? WHERE id = ?`,
		m.Status, m.InstanceID, newMetaJSON, string(m.LastAck.Status), m.LastAck.ReceivedAt, m.ID,
	); err != nil {
		return store.Message{}, false, "", fmt.Errorf("sqlitestore: apply ack: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return store.Message{}, false, "", fmt.Errorf("sqlitestore: commit ack tx: %w", err)
	}
	return m, true, "", nil
}

// ---- Polls ----

func (s *Store) UpsertPollMetadata(ctx context.Context, pm store.PollMetadata) error {
	optsJSON, err := marshalJSON(pm.Options)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal poll options: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO poll_metadata (poll_id, tenant_id, instance_id, question, options_json, allow_multiple,
		 creation_message_id, creation_message_key, message_secret, message_secret_version)
		 VALUES (?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT (poll_id) DO UPDATE SET
		   tenant_id = excluded.tenant_id, instance_id = excluded.instance_id, question = excluded.question,
		   options_json = excluded.options_json, allow_multiple = excluded.allow_multiple,
		   creation_message_id = excluded.creation_message_id, creation_message_key = excluded.creation_message_key,
		   message_secret = excluded.message_secret, message_secret_version = excluded.message_secret_version`,
		pm.PollID, pm.TenantID, pm.InstanceID, pm.Question, optsJSON, boolToInt(pm.AllowMultipleAnswers),
		pm.CreationMessageID, pm.CreationMessageKey, pm.MessageSecret, pm.MessageSecretVersion,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: upsert poll metadata: %w", err)
	}
	return nil
}

func (s *Store) GetPollMetadata(ctx context.Context, tenantID, pollID string) (store.PollMetadata, error) {
	var pm store.PollMetadata
	var optsJSON string
	var allowMultiple int
	err := s.db.QueryRowContext(ctx,
		`SELECT poll_id, tenant_id, instance_id, question, options_json, allow_multiple,
		 creation_message_id, creation_message_key, message_secret, message_secret_version
		 FROM poll_metadata WHERE poll_id = ? AND tenant_id = ?`,
		pollID, tenantID,
	).Scan(&pm.PollID, &pm.TenantID, &pm.InstanceID, &pm.Question, &optsJSON, &allowMultiple,
		&pm.CreationMessageID, &pm.CreationMessageKey, &pm.MessageSecret, &pm.MessageSecretVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return store.PollMetadata{}, store.ErrNotFound
	}
	if err != nil {
		return store.PollMetadata{}, fmt.Errorf("sqlitestore: get poll metadata: %w", err)
	}
	pm.AllowMultipleAnswers = allowMultiple != 0
	if optsJSON != "" {
		_ = json.Unmarshal([]byte(optsJSON), &pm.Options)
	}
	return pm, nil
}

func (s *Store) FindPollVoteMessageCandidate(ctx context.Context, tenantID, pollID, chatID string) (store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE tenant_id = ? AND (id = ? OR json_extract(metadata_json, '$.pollCreationMessageId') = ?)
		 ORDER BY created_at ASC LIMIT 1`,
		tenantID, pollID, pollID,
	)
	if err != nil {
		return store.Message{}, fmt.Errorf("sqlitestore: find poll vote candidate: %w", err)
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
		return store.Message{}, fmt.Errorf("sqlitestore: scan poll vote candidate: %w", err)
	}
	m.Metadata = unmarshalMetadata(metaJSON)
	if lastAckStatus != "" {
		m.LastAck = &store.AckState{Status: store.MessageStatus(lastAckStatus), ReceivedAt: lastAckReceivedAt.Time}
	}
	return m, nil
}

func (s *Store) GetPollState(ctx context.Context, pollID string) (store.PollChoiceState, error) {
	var stateJSON string
	err := s.db.QueryRowContext(ctx, `SELECT state_json FROM poll_state WHERE poll_id = ?`, pollID).Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return store.PollChoiceState{}, store.ErrNotFound
	}
	if err != nil {
		return store.PollChoiceState{}, fmt.Errorf("sqlitestore: get poll state: %w", err)
	}
	var st store.PollChoiceState
	if err := json.Unmarshal([]byte(stateJSON), &st); err != nil {
		return store.PollChoiceState{}, fmt.Errorf("sqlitestore: decode poll state: %w", err)
	}
	return st, nil
}

func (s *Store) SetPollState(ctx context.Context, state store.PollChoiceState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode poll state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO poll_state (poll_id, state_json) VALUES (?, ?)
		 ON CONFLICT (poll_id) DO UPDATE SET state_json = excluded.state_json`,
		state.PollID, string(stateJSON),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: set poll state: %w", err)
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
		return store.MediaJob{}, fmt.Errorf("sqlitestore: marshal media job metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO media_jobs (`+mediaJobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.ID, job.TenantID, job.MessageID, job.MessageExternalID, job.InstanceID, job.BrokerID, job.MediaType,
		job.MediaKey, job.DirectPath, metaJSON, job.Attempts, job.NextRetryAt, job.State, job.LastError,
	)
	if err != nil {
		return store.MediaJob{}, fmt.Errorf("sqlitestore: insert media job: %w", err)
	}
	return job, nil
}

func (s *Store) FindPendingInboundMediaJobs(ctx context.Context, limit int, now time.Time) ([]store.MediaJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mediaJobColumns+` FROM media_jobs WHERE state = ? AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC LIMIT ?`,
		store.MediaJobPending, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: find pending media jobs: %w", err)
	}
	defer rows.Close()
	var out []store.MediaJob
	for rows.Next() {
		j, err := scanMediaJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan media job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) MarkInboundMediaJobProcessing(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE media_jobs SET state = ? WHERE id = ? AND state = ?`,
		store.MediaJobProcessing, id, store.MediaJobPending,
	)
	if err != nil {
		return false, fmt.Errorf("sqlitestore: lease media job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) CompleteInboundMediaJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE media_jobs SET state = ? WHERE id = ?`, store.MediaJobDone, id)
	if err != nil {
		return fmt.Errorf("sqlitestore: complete media job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) FailInboundMediaJob(ctx context.Context, id string, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE media_jobs SET state = ?, last_error = ? WHERE id = ?`, store.MediaJobFailed, lastErr, id,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: fail media job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) RescheduleInboundMediaJob(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE media_jobs SET state = ?, attempts = attempts + 1, next_retry_at = ?, last_error = ? WHERE id = ?`,
		store.MediaJobPending, nextRetryAt, lastErr, id,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: reschedule media job: %w", err)
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
		`SELECT id, tenant_id, contact_id, updated_at FROM leads WHERE tenant_id = ? AND contact_id = ?`,
		tenantID, contactID,
	).Scan(&l.ID, &l.TenantID, &l.ContactID, &l.UpdatedAt)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.Lead{}, fmt.Errorf("sqlitestore: find lead: %w", err)
	}

	l = store.Lead{ID: newID(), TenantID: tenantID, ContactID: contactID, UpdatedAt: s.clock()}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO leads (id, tenant_id, contact_id, updated_at) VALUES (?, ?, ?, ?)`,
		l.ID, l.TenantID, l.ContactID, l.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return s.UpsertLead(ctx, tenantID, contactID)
		}
		return store.Lead{}, fmt.Errorf("sqlitestore: create lead: %w", err)
	}
	return l, nil
}

func (s *Store) AppendLeadActivity(ctx context.Context, tenantID, leadID, messageID string) (store.LeadActivity, bool, error) {
	var a store.LeadActivity
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, lead_id, message_id, created_at FROM lead_activities WHERE tenant_id = ? AND message_id = ?`,
		tenantID, messageID,
	).Scan(&a.ID, &a.TenantID, &a.LeadID, &a.MessageID, &a.CreatedAt)
	if err == nil {
		return a, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.LeadActivity{}, false, fmt.Errorf("sqlitestore: find lead activity: %w", err)
	}

	a = store.LeadActivity{ID: newID(), TenantID: tenantID, LeadID: leadID, MessageID: messageID, CreatedAt: s.clock()}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lead_activities (id, tenant_id, lead_id, message_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.LeadID, a.MessageID, a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return s.AppendLeadActivity(ctx, tenantID, leadID, messageID)
		}
		return store.LeadActivity{}, false, fmt.Errorf("sqlitestore: append lead activity: %w", err)
	}
	return a, true, nil
}

// ---- Allocations ----

func (s *Store) AddAllocation(ctx context.Context, a store.Allocation) (store.Allocation, bool, error) {
	var existing store.Allocation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, campaign_id, instance_id, lead_id, dedupe_key, created_at FROM allocations WHERE dedupe_key = ?`,
		a.DedupeKey,
	).Scan(&existing.ID, &existing.TenantID, &existing.CampaignID, &existing.InstanceID, &existing.LeadID, &existing.DedupeKey, &existing.CreatedAt)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.Allocation{}, false, fmt.Errorf("sqlitestore: find allocation: %w", err)
	}

	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO allocations (id, tenant_id, campaign_id, instance_id, lead_id, dedupe_key, created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.TenantID, a.CampaignID, a.InstanceID, a.LeadID, a.DedupeKey, a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return s.AddAllocation(ctx, a)
		}
		return store.Allocation{}, false, fmt.Errorf("sqlitestore: insert allocation: %w", err)
	}
	return a, true, nil
}
