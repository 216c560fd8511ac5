package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/DukeRupert/estategpt/internal/domain"
)

// Memory is an in-memory Store. All state is lost on restart.
type Memory struct {
	mu           sync.RWMutex
	entitlements map[string]domain.Entitlement
	events       map[string]domain.PaymentEvent
	customers    map[string]string
	chats        map[string]domain.Chat
	messages     map[string][]domain.Message
	files        map[string][]domain.FileMeta
	now          func() time.Time
}

var _ Store = (*Memory)(nil)

// MemoryOption configures Memory.
type MemoryOption func(*Memory)

// WithClock overrides the clock used for UpdatedAt timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entitlements: make(map[string]domain.Entitlement),
		events:       make(map[string]domain.PaymentEvent),
		customers:    make(map[string]string),
		chats:        make(map[string]domain.Chat),
		messages:     make(map[string][]domain.Message),
		files:        make(map[string][]domain.FileMeta),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

// =============================================================================
// Entitlements
// =============================================================================

func (m *Memory) GetEntitlement(_ context.Context, userID string) (*domain.Entitlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ent, ok := m.entitlements[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &ent, nil
}

func (m *Memory) CreateEntitlement(_ context.Context, ent domain.Entitlement) (*domain.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entitlements[ent.UserID]; ok {
		return &existing, nil
	}
	ent.UpdatedAt = m.now()
	m.entitlements[ent.UserID] = ent
	return &ent, nil
}

func (m *Memory) UpdateEntitlement(_ context.Context, userID string, patch domain.EntitlementPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ent, ok := m.entitlements[userID]
	if !ok {
		ent = domain.NewEntitlementFromPatch(userID, patch)
	} else {
		ent.Apply(patch)
	}
	ent.UpdatedAt = m.now()
	m.entitlements[userID] = ent
	return nil
}

func (m *Memory) ResetQuotaIfExpired(_ context.Context, userID string, quota int, now, resetAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ent, ok := m.entitlements[userID]
	if !ok {
		return false, ErrNotFound
	}
	if ent.QuotaResetAt.After(now) {
		return false, nil
	}
	ent.Quota = quota
	ent.QuotaResetAt = resetAt
	ent.UpdatedAt = m.now()
	m.entitlements[userID] = ent
	return true, nil
}

func (m *Memory) DecrementQuota(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ent, ok := m.entitlements[userID]
	if !ok {
		return 0, ErrNotFound
	}
	if ent.Quota <= 0 {
		return 0, ErrQuotaExhausted
	}
	ent.Quota--
	ent.UpdatedAt = m.now()
	m.entitlements[userID] = ent
	return ent.Quota, nil
}

// =============================================================================
// Payment events and customers
// =============================================================================

func (m *Memory) ClaimEvent(_ context.Context, event domain.PaymentEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[event.ID]; ok {
		return false, nil
	}
	m.events[event.ID] = event
	return true, nil
}

func (m *Memory) ReleaseEvent(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.events, eventID)
	return nil
}

func (m *Memory) LinkCustomer(_ context.Context, customerID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.customers[customerID] = userID
	return nil
}

func (m *Memory) UserForCustomer(_ context.Context, customerID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	userID, ok := m.customers[customerID]
	if !ok {
		return "", ErrNotFound
	}
	return userID, nil
}

// =============================================================================
// Chats
// =============================================================================

func (m *Memory) CreateChat(_ context.Context, chat domain.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.chats[chat.ID]; ok {
		return nil
	}
	m.chats[chat.ID] = chat
	return nil
}

func (m *Memory) GetChat(_ context.Context, chatID string) (*domain.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chat, ok := m.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	return &chat, nil
}

func (m *Memory) ListChats(_ context.Context, userID string, limit int) ([]domain.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var chats []domain.Chat
	for _, c := range m.chats {
		if c.UserID == userID {
			chats = append(chats, c)
		}
	}
	sort.Slice(chats, func(i, j int) bool {
		return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
	})
	if limit > 0 && len(chats) > limit {
		chats = chats[:limit]
	}
	return chats, nil
}

func (m *Memory) AppendMessages(_ context.Context, chatID string, msgs ...domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chat, ok := m.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	m.messages[chatID] = append(m.messages[chatID], msgs...)
	chat.UpdatedAt = m.now()
	m.chats[chatID] = chat
	return nil
}

func (m *Memory) ListMessages(_ context.Context, chatID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := make([]domain.Message, len(m.messages[chatID]))
	copy(msgs, m.messages[chatID])
	return msgs, nil
}

func (m *Memory) AddFiles(_ context.Context, files ...domain.FileMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range files {
		m.files[f.ChatID] = append(m.files[f.ChatID], f)
	}
	return nil
}

func (m *Memory) ListFiles(_ context.Context, chatID string) ([]domain.FileMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	files := make([]domain.FileMeta, len(m.files[chatID]))
	copy(files, m.files[chatID])
	return files, nil
}
