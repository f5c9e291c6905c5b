// Package chat is the single orchestration point for message mutations. It
// keeps the persistent store and the message list cache consistent: reads
// are cache-aside, and every write invalidates the cache after the store has
// acknowledged it.
package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/Tyrowin/livechat/internal/apperr"
	"github.com/Tyrowin/livechat/internal/cache"
	"github.com/Tyrowin/livechat/internal/metrics"
	"github.com/Tyrowin/livechat/internal/store"
)

// DefaultCacheTTL bounds how long a message list snapshot may be served.
const DefaultCacheTTL = time.Hour

// MaxContentLength is the maximum message length in characters.
const MaxContentLength = 100

// CacheStatus tells whether ListMessages was served from the cache.
type CacheStatus int

const (
	CacheMiss CacheStatus = iota
	CacheHit
)

// String renders the status the way the X-Cache header carries it.
func (c CacheStatus) String() string {
	if c == CacheHit {
		return "HIT"
	}
	return "MISS"
}

// MessageStore is the subset of the persistent store the service needs.
type MessageStore interface {
	ListMessages(ctx context.Context) ([]store.Message, error)
	CreateMessage(ctx context.Context, msg store.NewMessage) (int64, error)
	DeleteMessage(ctx context.Context, id int64) (bool, error)
	UpdateMessage(ctx context.Context, id int64, content string, updatedAt time.Time) (bool, error)
}

type contentInput struct {
	Content string `validate:"required,max=100"`
}

type sendInput struct {
	Content   string `validate:"required,max=100"`
	CreatedBy string `validate:"required,max=64"`
}

// Service implements the message operations.
type Service struct {
	store    MessageStore
	cache    cache.Cache
	ttl      time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
	validate *validator.Validate
	now      func() time.Time

	// mu orders cache population against invalidation. generation is bumped
	// on every committed write; a snapshot read under an older generation is
	// never written to the cache.
	mu         sync.Mutex
	generation uint64
	flights    singleflight.Group
}

// NewService wires a Service. A non-positive ttl falls back to DefaultCacheTTL.
func NewService(st MessageStore, c cache.Cache, ttl time.Duration, log *slog.Logger, m *metrics.Metrics) *Service {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Service{
		store:    st,
		cache:    c,
		ttl:      ttl,
		log:      log,
		metrics:  m,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ListMessages returns all messages ordered by id. Cache failures degrade to
// a store read; a store failure is returned as StoreUnavailable.
func (s *Service) ListMessages(ctx context.Context) ([]store.Message, CacheStatus, error) {
	if msgs, ok := s.readCache(ctx); ok {
		s.metrics.CacheLookup("hit")
		return msgs, CacheHit, nil
	}
	s.metrics.CacheLookup("miss")

	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()

	// Flights are keyed by generation so a caller arriving after a write
	// never shares a snapshot taken before it.
	v, err, _ := s.flights.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		return s.populate(context.WithoutCancel(ctx), gen)
	})
	if err != nil {
		return nil, CacheMiss, err
	}
	return cloneMessages(v.([]store.Message)), CacheMiss, nil
}

func (s *Service) readCache(ctx context.Context) ([]store.Message, bool) {
	raw, found, err := s.cache.Get(ctx, cache.MessagesKey)
	if err != nil {
		s.log.Warn("Cache read failed; falling back to store", "error", err)
		s.metrics.CacheError("get")
		return nil, false
	}
	if !found {
		return nil, false
	}
	var msgs []store.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		s.log.Warn("Cached message list is corrupt; falling back to store", "error", err)
		s.metrics.CacheError("decode")
		return nil, false
	}
	return msgs, true
}

func (s *Service) populate(ctx context.Context, gen uint64) ([]store.Message, error) {
	msgs, err := s.store.ListMessages(ctx)
	if err != nil {
		s.log.Error("Listing messages failed", "error", err)
		return nil, apperr.StoreUnavailable("list messages", err)
	}
	payload, err := json.Marshal(msgs)
	if err != nil {
		s.log.Warn("Encoding message list for cache failed", "error", err)
		s.metrics.CacheError("encode")
		return msgs, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		s.log.Debug("Skipping cache fill for superseded snapshot", "generation", gen, "current", s.generation)
		return msgs, nil
	}
	if err := s.cache.Set(ctx, cache.MessagesKey, payload, s.ttl); err != nil {
		s.log.Warn("Cache fill failed", "error", err)
		s.metrics.CacheError("set")
	}
	return msgs, nil
}

// SendMessage persists a new message and returns its id. A zero createdAt
// is replaced by the current time.
func (s *Service) SendMessage(ctx context.Context, content string, createdAt time.Time, createdBy string) (int64, error) {
	if err := s.validate.Struct(sendInput{Content: content, CreatedBy: createdBy}); err != nil {
		return 0, apperr.Validation("content must be 1-100 characters and created_by is required", err)
	}
	if strings.TrimSpace(content) == "" {
		return 0, apperr.Validation("content must not be blank", nil)
	}
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	id, err := s.store.CreateMessage(ctx, store.NewMessage{
		Content:   content,
		CreatedAt: createdAt.UTC(),
		CreatedBy: createdBy,
	})
	if err != nil {
		s.log.Error("Persisting message failed", "created_by", createdBy, "error", err)
		return 0, apperr.StoreUnavailable("send message", err)
	}
	s.invalidate(ctx)
	s.log.Info("Message sent", "id", id, "created_by", createdBy)
	return id, nil
}

// DeleteMessage removes message id and reports whether it existed. The
// cache is invalidated whether or not a row was found.
func (s *Service) DeleteMessage(ctx context.Context, id int64) (bool, error) {
	deleted, err := s.store.DeleteMessage(ctx, id)
	if err != nil {
		s.log.Error("Deleting message failed", "id", id, "error", err)
		return false, apperr.StoreUnavailable("delete message", err)
	}
	s.invalidate(ctx)
	s.log.Info("Message delete processed", "id", id, "deleted", deleted)
	return deleted, nil
}

// UpdateMessage replaces the content of message id and stamps updated_at.
// It reports whether the message existed. The cache is invalidated either way.
func (s *Service) UpdateMessage(ctx context.Context, id int64, content string) (bool, error) {
	if err := s.validate.Struct(contentInput{Content: content}); err != nil {
		return false, apperr.Validation("content must be 1-100 characters", err)
	}
	if strings.TrimSpace(content) == "" {
		return false, apperr.Validation("content must not be blank", nil)
	}

	updated, err := s.store.UpdateMessage(ctx, id, content, s.now())
	if err != nil {
		s.log.Error("Updating message failed", "id", id, "error", err)
		return false, apperr.StoreUnavailable("update message", err)
	}
	s.invalidate(ctx)
	s.log.Info("Message update processed", "id", id, "updated", updated)
	return updated, nil
}

// invalidate runs after a store write has been acknowledged. It must not be
// skipped because the request context was cancelled after the commit.
func (s *Service) invalidate(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	if err := s.cache.Delete(context.WithoutCancel(ctx), cache.MessagesKey); err != nil {
		s.log.Error("Cache invalidation failed", "generation", s.generation, "error", err)
		s.metrics.CacheError("delete")
		return
	}
	s.metrics.CacheInvalidated()
}

func cloneMessages(msgs []store.Message) []store.Message {
	out := make([]store.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if m.UpdatedAt != nil {
			t := *m.UpdatedAt
			out[i].UpdatedAt = &t
		}
	}
	return out
}
