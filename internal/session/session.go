// Package session implements the Session Store: it binds a client to
// one upstream for the lifetime of a TTL so that related calls land on
// the same node (SPEC_FULL.md §5.5).
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chalabi2/rpc-router/internal/metrics"
	"github.com/chalabi2/rpc-router/internal/model"
	"github.com/chalabi2/rpc-router/internal/rpcerr"
	"github.com/chalabi2/rpc-router/internal/store"
)

const keyPrefix = "session:"

// Store binds session ids to upstream URLs, keyed as session:{id}.
type Store struct {
	store   store.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
	ttl     time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New constructs a Store writing into s with the given TTL.
func New(s store.Store, m *metrics.Metrics, logger *zap.Logger, ttl time.Duration) *Store {
	return &Store{store: s, metrics: m, logger: logger, ttl: ttl}
}

// Create allocates a new session bound to url and chainID.
func (s *Store) Create(ctx context.Context, chainID int64, url string) (model.Session, error) {
	now := time.Now()
	sess := model.Session{
		ID:           uuid.NewString(),
		URL:          url,
		ChainID:      chainID,
		CreatedAt:    now,
		LastUsed:     now,
		RequestCount: 0,
	}
	if err := s.write(ctx, sess); err != nil {
		return model.Session{}, err
	}
	if s.metrics != nil {
		s.metrics.SessionsCreated.Inc()
	}
	return sess, nil
}

// Get resolves id to its bound session, or ErrInvalidSession.
func (s *Store) Get(ctx context.Context, id string) (model.Session, error) {
	raw, ok, err := s.store.Get(ctx, keyPrefix+id)
	if err != nil {
		return model.Session{}, err
	}
	if !ok {
		return model.Session{}, rpcerr.ErrInvalidSession
	}
	var sess model.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return model.Session{}, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return sess, nil
}

// Update records a completed call against sess: bumps LastUsed and
// RequestCount, and refreshes the TTL so an active session never
// expires mid-use.
func (s *Store) Update(ctx context.Context, sess model.Session) error {
	sess.LastUsed = time.Now()
	sess.RequestCount++
	return s.write(ctx, sess)
}

// Delete removes a session immediately.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, keyPrefix+id)
}

func (s *Store) write(ctx context.Context, sess model.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, keyPrefix+sess.ID, string(raw), s.ttl)
}

// Start launches a periodic sweep that counts sessions the store has
// already let expire via TTL, for the SessionsExpired metric. It does
// not evict anything itself; the backing store's TTL is authoritative.
func (s *Store) Start(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.sweepLoop(ctx, interval)
}

func (s *Store) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}

func (s *Store) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	known := make(map[string]bool)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx, known)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep diffs the current set of live session keys against known,
// counting disappearances as expirations.
func (s *Store) sweep(ctx context.Context, known map[string]bool) {
	keys, err := s.store.Keys(ctx, keyPrefix)
	if err != nil {
		s.logger.Debug("session sweep failed to list keys", zap.Error(err))
		return
	}

	live := make(map[string]bool, len(keys))
	for _, k := range keys {
		live[k] = true
	}

	for k := range known {
		if !live[k] {
			if s.metrics != nil {
				s.metrics.SessionsExpired.Inc()
			}
			delete(known, k)
		}
	}
	for k := range live {
		known[k] = true
	}
}
