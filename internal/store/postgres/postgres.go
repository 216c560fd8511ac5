// Package postgres provides a PostgreSQL-backed store.Store.
//
// The schema is managed by goose migrations embedded in the internal
// package. Quota decrements and window resets are single conditional
// UPDATE statements, so concurrent requests serialize on the row lock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/DukeRupert/estategpt/internal/domain"
	"github.com/DukeRupert/estategpt/internal/store"
)

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New wraps an open pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool for dsn and pings it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: parse dsn: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MinConns = 5
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store/postgres: ping: %w", err)
	}
	return pool, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// =============================================================================
// Entitlements
// =============================================================================

const entitlementColumns = `user_id, plan, quota, quota_reset_at, payment_customer_id,
	payment_subscription_id, payment_status, updated_at`

func scanEntitlement(row pgx.Row) (*domain.Entitlement, error) {
	var (
		ent     domain.Entitlement
		plan    string
		status  string
		resetAt *time.Time
	)
	err := row.Scan(&ent.UserID, &plan, &ent.Quota, &resetAt, &ent.PaymentCustomerID,
		&ent.PaymentSubscriptionID, &status, &ent.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ent.Plan = domain.ParsePlan(plan)
	ent.PaymentStatus = domain.PaymentStatus(status)
	if resetAt != nil {
		ent.QuotaResetAt = *resetAt
	}
	return &ent, nil
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Store) GetEntitlement(ctx context.Context, userID string) (*domain.Entitlement, error) {
	ent, err := scanEntitlement(s.pool.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store/postgres: get entitlement: %w", err)
	}
	return ent, nil
}

func (s *Store) CreateEntitlement(ctx context.Context, ent domain.Entitlement) (*domain.Entitlement, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entitlements (user_id, plan, quota, quota_reset_at, payment_customer_id,
			payment_subscription_id, payment_status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (user_id) DO NOTHING`,
		ent.UserID, string(ent.Plan), ent.Quota, nullTime(ent.QuotaResetAt), ent.PaymentCustomerID,
		ent.PaymentSubscriptionID, string(ent.PaymentStatus),
	)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: create entitlement: %w", err)
	}
	return s.GetEntitlement(ctx, ent.UserID)
}

// UpdateEntitlement upserts with COALESCE so NULL parameters keep the
// stored column.
func (s *Store) UpdateEntitlement(ctx context.Context, userID string, patch domain.EntitlementPatch) error {
	var plan, status *string
	if patch.Plan != nil {
		v := string(*patch.Plan)
		plan = &v
	}
	if patch.PaymentStatus != nil {
		v := string(*patch.PaymentStatus)
		status = &v
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO entitlements AS e (user_id, plan, quota, quota_reset_at, payment_customer_id,
			payment_subscription_id, payment_status, updated_at)
		VALUES ($1, COALESCE($2, 'NONE'), 0, NULL, COALESCE($3, ''),
			COALESCE($4, ''), COALESCE($5, ''), now())
		ON CONFLICT (user_id) DO UPDATE SET
			plan = COALESCE($2, e.plan),
			payment_customer_id = COALESCE($3, e.payment_customer_id),
			payment_subscription_id = COALESCE($4, e.payment_subscription_id),
			payment_status = COALESCE($5, e.payment_status),
			updated_at = now()`,
		userID, plan, patch.PaymentCustomerID, patch.PaymentSubscriptionID, status,
	)
	if err != nil {
		return fmt.Errorf("store/postgres: update entitlement: %w", err)
	}
	return nil
}

func (s *Store) ResetQuotaIfExpired(ctx context.Context, userID string, quota int, now, resetAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE entitlements
		SET quota = $2, quota_reset_at = $3, updated_at = now()
		WHERE user_id = $1 AND (quota_reset_at IS NULL OR quota_reset_at <= $4)`,
		userID, quota, resetAt, now,
	)
	if err != nil {
		return false, fmt.Errorf("store/postgres: reset quota: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx, `SELECT true FROM entitlements WHERE user_id = $1`, userID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, store.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("store/postgres: reset quota: %w", err)
	}
	return false, nil
}

func (s *Store) DecrementQuota(ctx context.Context, userID string) (int, error) {
	var left int
	err := s.pool.QueryRow(ctx, `
		UPDATE entitlements
		SET quota = quota - 1, updated_at = now()
		WHERE user_id = $1 AND quota > 0
		RETURNING quota`,
		userID,
	).Scan(&left)
	if err == nil {
		return left, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("store/postgres: decrement quota: %w", err)
	}

	var exists bool
	err = s.pool.QueryRow(ctx, `SELECT true FROM entitlements WHERE user_id = $1`, userID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store/postgres: decrement quota: %w", err)
	}
	return 0, store.ErrQuotaExhausted
}

// =============================================================================
// Payment events and customers
// =============================================================================

func (s *Store) ClaimEvent(ctx context.Context, event domain.PaymentEvent) (bool, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO payment_events (event_id, event_type, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
		RETURNING true`,
		event.ID, event.Type, event.ReceivedAt,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store/postgres: claim event: %w", err)
	}
	return true, nil
}

func (s *Store) ReleaseEvent(ctx context.Context, eventID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM payment_events WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("store/postgres: release event: %w", err)
	}
	return nil
}

func (s *Store) LinkCustomer(ctx context.Context, customerID, userID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payment_customers (customer_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (customer_id) DO UPDATE SET user_id = EXCLUDED.user_id`,
		customerID, userID,
	)
	if err != nil {
		return fmt.Errorf("store/postgres: link customer: %w", err)
	}
	return nil
}

func (s *Store) UserForCustomer(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id FROM payment_customers WHERE customer_id = $1`, customerID,
	).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store/postgres: user for customer: %w", err)
	}
	return userID, nil
}

// =============================================================================
// Chats
// =============================================================================

func (s *Store) CreateChat(ctx context.Context, chat domain.Chat) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chats (id, user_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		chat.ID, chat.UserID, chat.Title, chat.CreatedAt, chat.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store/postgres: create chat: %w", err)
	}
	return nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (*domain.Chat, error) {
	var c domain.Chat
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM chats WHERE id = $1`, chatID,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store/postgres: get chat: %w", err)
	}
	return &c, nil
}

func (s *Store) ListChats(ctx context.Context, userID string, limit int) ([]domain.Chat, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM chats
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT $2`,
		userID, lim,
	)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list chats: %w", err)
	}
	chats, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Chat, error) {
		var c domain.Chat
		err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list chats: %w", err)
	}
	return chats, nil
}

func (s *Store) AppendMessages(ctx context.Context, chatID string, msgs ...domain.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE chats SET updated_at = now() WHERE id = $1`, chatID)
	if err != nil {
		return fmt.Errorf("store/postgres: touch chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}

	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(`
			INSERT INTO chat_messages (id, chat_id, role, content, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			m.ID, chatID, string(m.Role), m.Content, m.CreatedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("store/postgres: insert messages: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store/postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, chatID string) ([]domain.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, chat_id, role, content, created_at
		FROM chat_messages
		WHERE chat_id = $1
		ORDER BY seq`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Message, error) {
		var (
			m    domain.Message
			role string
		)
		err := row.Scan(&m.ID, &m.ChatID, &role, &m.Content, &m.CreatedAt)
		m.Role = domain.MessageRole(role)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list messages: %w", err)
	}
	return msgs, nil
}

func (s *Store) AddFiles(ctx context.Context, files ...domain.FileMeta) error {
	if len(files) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, f := range files {
		batch.Queue(`
			INSERT INTO chat_files (id, chat_id, user_id, name, mime_type, size, storage_key, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			f.ID, f.ChatID, f.UserID, f.Name, f.MimeType, f.Size, f.StorageKey, f.CreatedAt,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return store.ErrNotFound
		}
		return fmt.Errorf("store/postgres: add files: %w", err)
	}
	return nil
}

func (s *Store) ListFiles(ctx context.Context, chatID string) ([]domain.FileMeta, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, chat_id, user_id, name, mime_type, size, storage_key, created_at
		FROM chat_files
		WHERE chat_id = $1
		ORDER BY seq`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list files: %w", err)
	}
	files, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.FileMeta, error) {
		var f domain.FileMeta
		err := row.Scan(&f.ID, &f.ChatID, &f.UserID, &f.Name, &f.MimeType, &f.Size, &f.StorageKey, &f.CreatedAt)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list files: %w", err)
	}
	return files, nil
}
