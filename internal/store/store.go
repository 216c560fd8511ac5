// Package store defines persistence for entitlements, payment events, the
// customer index and chat history.
//
// Implementations:
//   - Memory: process-local, for development and tests
//   - postgres.Store: PostgreSQL via pgx
//   - redis.Store: Redis hashes with Lua scripts for conditional writes
//
// Entitlement writes are field-level merges. The quota decrement and the
// window reset are conditional writes so concurrent requests can never push
// the quota below zero or refill it twice in one window.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/DukeRupert/estategpt/internal/domain"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrQuotaExhausted is returned by DecrementQuota when the stored quota
	// is already zero.
	ErrQuotaExhausted = errors.New("store: quota exhausted")
)

// Driver names accepted by configuration.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// EntitlementStore persists per-user entitlements.
type EntitlementStore interface {
	// GetEntitlement returns ErrNotFound when the user has no record.
	GetEntitlement(ctx context.Context, userID string) (*domain.Entitlement, error)

	// CreateEntitlement inserts ent if no record exists for ent.UserID and
	// returns the stored record, which is the existing one when another
	// writer got there first.
	CreateEntitlement(ctx context.Context, ent domain.Entitlement) (*domain.Entitlement, error)

	// UpdateEntitlement merges patch into the user's record, creating it
	// with defaults when absent.
	UpdateEntitlement(ctx context.Context, userID string, patch domain.EntitlementPatch) error

	// ResetQuotaIfExpired refills the quota and moves the reset time only if
	// the stored reset time is not after now. It reports whether it wrote.
	ResetQuotaIfExpired(ctx context.Context, userID string, quota int, now, resetAt time.Time) (bool, error)

	// DecrementQuota atomically decrements the quota when it is above zero
	// and returns the new value. It returns ErrQuotaExhausted otherwise.
	DecrementQuota(ctx context.Context, userID string) (int, error)
}

// EventStore deduplicates payment-provider events.
type EventStore interface {
	// ClaimEvent inserts the event if absent. It returns false when the
	// event ID was already recorded.
	ClaimEvent(ctx context.Context, event domain.PaymentEvent) (bool, error)

	// ReleaseEvent removes a claim whose processing failed so the
	// provider's redelivery is processed.
	ReleaseEvent(ctx context.Context, eventID string) error
}

// CustomerIndex maps payment-provider customer IDs to user IDs.
type CustomerIndex interface {
	LinkCustomer(ctx context.Context, customerID, userID string) error

	// UserForCustomer returns ErrNotFound for unknown customers.
	UserForCustomer(ctx context.Context, customerID string) (string, error)
}

// ChatStore persists chats, transcripts and uploaded-file metadata.
type ChatStore interface {
	// CreateChat inserts chat. Creating an existing ID is a no-op.
	CreateChat(ctx context.Context, chat domain.Chat) error

	// GetChat returns ErrNotFound when the chat does not exist.
	GetChat(ctx context.Context, chatID string) (*domain.Chat, error)

	// ListChats returns the user's chats, most recently updated first.
	ListChats(ctx context.Context, userID string, limit int) ([]domain.Chat, error)

	// AppendMessages adds messages to a chat and bumps its UpdatedAt.
	AppendMessages(ctx context.Context, chatID string, msgs ...domain.Message) error

	ListMessages(ctx context.Context, chatID string) ([]domain.Message, error)

	AddFiles(ctx context.Context, files ...domain.FileMeta) error

	ListFiles(ctx context.Context, chatID string) ([]domain.FileMeta, error)
}

// Store combines every persistence concern of the service.
type Store interface {
	EntitlementStore
	EventStore
	CustomerIndex
	ChatStore

	// Ping checks connectivity to the backend.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
