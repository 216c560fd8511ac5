// Package redis provides a Redis-backed store.Store.
//
// Entitlements are stored in hashes and every conditional write (create if
// absent, quota decrement, window reset) runs as a Lua script, which makes
// the store safe for multi-instance deployments. Chats are JSON strings
// indexed per user by a sorted set scored on last update.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/DukeRupert/estategpt/internal/domain"
	"github.com/DukeRupert/estategpt/internal/store"
)

// DefaultEventTTL bounds how long processed event IDs are remembered.
// Stripe stops retrying a delivery after three days.
const DefaultEventTTL = 30 * 24 * time.Hour

// Store is a Redis-backed store.Store.
type Store struct {
	client    goredis.UniversalClient
	keyPrefix string
	eventTTL  time.Duration
	now       func() time.Time
}

var _ store.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the key prefix (default "estategpt:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithEventTTL sets how long claimed event IDs are kept.
func WithEventTTL(ttl time.Duration) Option {
	return func(s *Store) { s.eventTTL = ttl }
}

// WithClock overrides the clock used for UpdatedAt timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps a connected client.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "estategpt:",
		eventTTL:  DefaultEventTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect parses a redis:// URL, connects and pings.
func Connect(ctx context.Context, url string, opts ...Option) (*Store, error) {
	o, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store/redis: parse url: %w", err)
	}
	client := goredis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store/redis: ping: %w", err)
	}
	return New(client, opts...), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) entKey(userID string) string      { return s.keyPrefix + "ent:" + userID }
func (s *Store) eventKey(eventID string) string   { return s.keyPrefix + "evt:" + eventID }
func (s *Store) customerKey(custID string) string { return s.keyPrefix + "cust:" + custID }
func (s *Store) chatKey(chatID string) string     { return s.keyPrefix + "chat:" + chatID }
func (s *Store) userChatsKey(userID string) string {
	return s.keyPrefix + "user:" + userID + ":chats"
}
func (s *Store) messagesKey(chatID string) string { return s.keyPrefix + "chat:" + chatID + ":messages" }
func (s *Store) filesKey(chatID string) string    { return s.keyPrefix + "chat:" + chatID + ":files" }

// =============================================================================
// Entitlements
// =============================================================================

// Hash fields.
const (
	fieldUserID         = "user_id"
	fieldPlan           = "plan"
	fieldQuota          = "quota"
	fieldQuotaResetAt   = "quota_reset_at"
	fieldCustomerID     = "customer_id"
	fieldSubscriptionID = "subscription_id"
	fieldStatus         = "status"
	fieldUpdatedAt      = "updated_at"
)

// createScript inserts the hash only when absent.
// KEYS[1] = entitlement hash key
// ARGV    = field/value pairs
//
// Returns the stored hash as a flat field/value array.
var createScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    redis.call("HSET", key, unpack(ARGV))
end
return redis.call("HGETALL", key)
`)

// mergeScript writes default fields when the hash is absent, then the patch.
// KEYS[1] = entitlement hash key
// ARGV[1] = number of default arguments n
// ARGV[2..n+1] = default field/value pairs
// ARGV[n+2..] = patch field/value pairs
var mergeScript = goredis.NewScript(`
local key = KEYS[1]
local n = tonumber(ARGV[1])
if redis.call("EXISTS", key) == 0 then
    local defaults = {}
    for i = 2, n + 1 do
        defaults[#defaults + 1] = ARGV[i]
    end
    redis.call("HSET", key, unpack(defaults))
end
local patch = {}
for i = n + 2, #ARGV do
    patch[#patch + 1] = ARGV[i]
end
if #patch > 0 then
    redis.call("HSET", key, unpack(patch))
end
return 1
`)

// resetScript refills the quota only if the window has expired.
// KEYS[1] = entitlement hash key
// ARGV[1] = now (unix millis)
// ARGV[2] = quota
// ARGV[3] = next reset (unix millis)
// ARGV[4] = updated_at (unix millis)
//
// Returns:
//
//	1  = reset
//	0  = window still open
//	-1 = not found
var resetScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    return -1
end
local reset_at = tonumber(redis.call("HGET", key, "quota_reset_at") or "0")
if reset_at > tonumber(ARGV[1]) then
    return 0
end
redis.call("HSET", key, "quota", ARGV[2], "quota_reset_at", ARGV[3], "updated_at", ARGV[4])
return 1
`)

// decrementScript decrements the quota only when above zero.
// KEYS[1] = entitlement hash key
// ARGV[1] = updated_at (unix millis)
//
// Returns the new quota, or:
//
//	-1 = exhausted
//	-2 = not found
var decrementScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    return -2
end
local quota = tonumber(redis.call("HGET", key, "quota") or "0")
if quota <= 0 then
    return -1
end
local left = redis.call("HINCRBY", key, "quota", -1)
redis.call("HSET", key, "updated_at", ARGV[1])
return left
`)

func (s *Store) GetEntitlement(ctx context.Context, userID string) (*domain.Entitlement, error) {
	fields, err := s.client.HGetAll(ctx, s.entKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store/redis: get entitlement: %w", err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	return decodeEntitlement(userID, fields)
}

func (s *Store) CreateEntitlement(ctx context.Context, ent domain.Entitlement) (*domain.Entitlement, error) {
	ent.UpdatedAt = s.now()
	flat, err := createScript.Run(ctx, s.client,
		[]string{s.entKey(ent.UserID)},
		encodeEntitlement(ent)...,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("store/redis: create entitlement: %w", err)
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		fields[flat[i]] = flat[i+1]
	}
	return decodeEntitlement(ent.UserID, fields)
}

func (s *Store) UpdateEntitlement(ctx context.Context, userID string, patch domain.EntitlementPatch) error {
	defaults := encodeEntitlement(domain.Entitlement{UserID: userID, Plan: domain.PlanNone})
	args := make([]interface{}, 0, 1+len(defaults)+14)
	args = append(args, len(defaults))
	args = append(args, defaults...)
	args = append(args, encodePatch(patch)...)
	args = append(args, fieldUpdatedAt, s.now().UnixMilli())

	if err := mergeScript.Run(ctx, s.client, []string{s.entKey(userID)}, args...).Err(); err != nil {
		return fmt.Errorf("store/redis: update entitlement: %w", err)
	}
	return nil
}

func (s *Store) ResetQuotaIfExpired(ctx context.Context, userID string, quota int, now, resetAt time.Time) (bool, error) {
	result, err := resetScript.Run(ctx, s.client,
		[]string{s.entKey(userID)},
		now.UnixMilli(), quota, resetAt.UnixMilli(), s.now().UnixMilli(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("store/redis: reset quota: %w", err)
	}
	switch result {
	case 1:
		return true, nil
	case 0:
		return false, nil
	case -1:
		return false, store.ErrNotFound
	default:
		return false, fmt.Errorf("store/redis: unexpected reset result: %d", result)
	}
}

func (s *Store) DecrementQuota(ctx context.Context, userID string) (int, error) {
	result, err := decrementScript.Run(ctx, s.client,
		[]string{s.entKey(userID)},
		s.now().UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("store/redis: decrement quota: %w", err)
	}
	switch {
	case result >= 0:
		return int(result), nil
	case result == -1:
		return 0, store.ErrQuotaExhausted
	case result == -2:
		return 0, store.ErrNotFound
	default:
		return 0, fmt.Errorf("store/redis: unexpected decrement result: %d", result)
	}
}

func encodeEntitlement(e domain.Entitlement) []interface{} {
	return []interface{}{
		fieldUserID, e.UserID,
		fieldPlan, string(e.Plan),
		fieldQuota, e.Quota,
		fieldQuotaResetAt, encodeTime(e.QuotaResetAt),
		fieldCustomerID, e.PaymentCustomerID,
		fieldSubscriptionID, e.PaymentSubscriptionID,
		fieldStatus, string(e.PaymentStatus),
		fieldUpdatedAt, encodeTime(e.UpdatedAt),
	}
}

func encodePatch(p domain.EntitlementPatch) []interface{} {
	var args []interface{}
	if p.Plan != nil {
		args = append(args, fieldPlan, string(*p.Plan))
	}
	if p.PaymentCustomerID != nil {
		args = append(args, fieldCustomerID, *p.PaymentCustomerID)
	}
	if p.PaymentSubscriptionID != nil {
		args = append(args, fieldSubscriptionID, *p.PaymentSubscriptionID)
	}
	if p.PaymentStatus != nil {
		args = append(args, fieldStatus, string(*p.PaymentStatus))
	}
	return args
}

func decodeEntitlement(userID string, fields map[string]string) (*domain.Entitlement, error) {
	ent := &domain.Entitlement{
		UserID:                userID,
		Plan:                  domain.ParsePlan(fields[fieldPlan]),
		PaymentCustomerID:     fields[fieldCustomerID],
		PaymentSubscriptionID: fields[fieldSubscriptionID],
		PaymentStatus:         domain.PaymentStatus(fields[fieldStatus]),
	}
	if v := fields[fieldQuota]; v != "" {
		q, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("store/redis: decode quota %q: %w", v, err)
		}
		ent.Quota = q
	}
	var err error
	if ent.QuotaResetAt, err = decodeTime(fields[fieldQuotaResetAt]); err != nil {
		return nil, err
	}
	if ent.UpdatedAt, err = decodeTime(fields[fieldUpdatedAt]); err != nil {
		return nil, err
	}
	return ent, nil
}

// The zero time is stored as 0 so it survives the round trip.
func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func decodeTime(v string) (time.Time, error) {
	if v == "" || v == "0" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("store/redis: decode time %q: %w", v, err)
	}
	return time.UnixMilli(ms), nil
}

// =============================================================================
// Payment events and customers
// =============================================================================

func (s *Store) ClaimEvent(ctx context.Context, event domain.PaymentEvent) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.eventKey(event.ID), event.Type, s.eventTTL).Result()
	if err != nil {
		return false, fmt.Errorf("store/redis: claim event: %w", err)
	}
	return ok, nil
}

func (s *Store) ReleaseEvent(ctx context.Context, eventID string) error {
	if err := s.client.Del(ctx, s.eventKey(eventID)).Err(); err != nil {
		return fmt.Errorf("store/redis: release event: %w", err)
	}
	return nil
}

func (s *Store) LinkCustomer(ctx context.Context, customerID, userID string) error {
	if err := s.client.Set(ctx, s.customerKey(customerID), userID, 0).Err(); err != nil {
		return fmt.Errorf("store/redis: link customer: %w", err)
	}
	return nil
}

func (s *Store) UserForCustomer(ctx context.Context, customerID string) (string, error) {
	userID, err := s.client.Get(ctx, s.customerKey(customerID)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store/redis: user for customer: %w", err)
	}
	return userID, nil
}

// =============================================================================
// Chats
// =============================================================================

type chatRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type messageRecord struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type fileRecord struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	StorageKey string    `json:"storage_key"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Store) CreateChat(ctx context.Context, chat domain.Chat) error {
	data, err := json.Marshal(chatRecord(chat))
	if err != nil {
		return fmt.Errorf("store/redis: encode chat: %w", err)
	}
	created, err := s.client.SetNX(ctx, s.chatKey(chat.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("store/redis: create chat: %w", err)
	}
	if !created {
		return nil
	}
	err = s.client.ZAdd(ctx, s.userChatsKey(chat.UserID), goredis.Z{
		Score:  float64(chat.UpdatedAt.UnixMilli()),
		Member: chat.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("store/redis: index chat: %w", err)
	}
	return nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (*domain.Chat, error) {
	data, err := s.client.Get(ctx, s.chatKey(chatID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store/redis: get chat: %w", err)
	}
	var rec chatRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("store/redis: decode chat: %w", err)
	}
	chat := domain.Chat(rec)
	return &chat, nil
}

func (s *Store) ListChats(ctx context.Context, userID string, limit int) ([]domain.Chat, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.userChatsKey(userID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("store/redis: list chats: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.chatKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("store/redis: load chats: %w", err)
	}

	chats := make([]domain.Chat, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec chatRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("store/redis: decode chat: %w", err)
		}
		chats = append(chats, domain.Chat(rec))
	}
	return chats, nil
}

func (s *Store) AppendMessages(ctx context.Context, chatID string, msgs ...domain.Message) error {
	chat, err := s.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	chat.UpdatedAt = s.now()
	chatData, err := json.Marshal(chatRecord(*chat))
	if err != nil {
		return fmt.Errorf("store/redis: encode chat: %w", err)
	}

	values := make([]interface{}, 0, len(msgs))
	for _, m := range msgs {
		data, err := json.Marshal(messageRecord{
			ID:        m.ID,
			ChatID:    m.ChatID,
			Role:      string(m.Role),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
		if err != nil {
			return fmt.Errorf("store/redis: encode message: %w", err)
		}
		values = append(values, data)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if len(values) > 0 {
			pipe.RPush(ctx, s.messagesKey(chatID), values...)
		}
		pipe.Set(ctx, s.chatKey(chatID), chatData, 0)
		pipe.ZAdd(ctx, s.userChatsKey(chat.UserID), goredis.Z{
			Score:  float64(chat.UpdatedAt.UnixMilli()),
			Member: chatID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("store/redis: append messages: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, chatID string) ([]domain.Message, error) {
	raw, err := s.client.LRange(ctx, s.messagesKey(chatID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store/redis: list messages: %w", err)
	}
	msgs := make([]domain.Message, 0, len(raw))
	for _, r := range raw {
		var rec messageRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			return nil, fmt.Errorf("store/redis: decode message: %w", err)
		}
		msgs = append(msgs, domain.Message{
			ID:        rec.ID,
			ChatID:    rec.ChatID,
			Role:      domain.MessageRole(rec.Role),
			Content:   rec.Content,
			CreatedAt: rec.CreatedAt,
		})
	}
	return msgs, nil
}

func (s *Store) AddFiles(ctx context.Context, files ...domain.FileMeta) error {
	if len(files) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, f := range files {
			data, err := json.Marshal(fileRecord(f))
			if err != nil {
				return fmt.Errorf("encode file: %w", err)
			}
			pipe.RPush(ctx, s.filesKey(f.ChatID), data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store/redis: add files: %w", err)
	}
	return nil
}

func (s *Store) ListFiles(ctx context.Context, chatID string) ([]domain.FileMeta, error) {
	raw, err := s.client.LRange(ctx, s.filesKey(chatID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store/redis: list files: %w", err)
	}
	files := make([]domain.FileMeta, 0, len(raw))
	for _, r := range raw {
		var rec fileRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			return nil, fmt.Errorf("store/redis: decode file: %w", err)
		}
		files = append(files, domain.FileMeta(rec))
	}
	return files, nil
}
