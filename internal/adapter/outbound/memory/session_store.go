// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/sqlgate/sqlgate/internal/domain/session"
)

// DefaultShardCount is the number of independently locked shards.
const DefaultShardCount = 32

// shard owns a slice of every index. A session's record lives in the shard
// picked by its id, its key entry in the shard picked by its API key and
// its owner entry in the shard picked by its email.
type shard struct {
	mu      sync.RWMutex
	byID    map[string]*session.Session
	byKey   map[string]string
	byEmail map[string]map[string]struct{}
}

// MemorySessionStore implements session.SessionStore with xxhash-sharded
// maps. Unrelated sessions never contend on a single lock. Mutations that
// touch several shards lock them in ascending index order.
type MemorySessionStore struct {
	shards []*shard
}

// StoreOption configures MemorySessionStore.
type StoreOption func(*MemorySessionStore)

// WithShardCount sets the number of shards.
func WithShardCount(n int) StoreOption {
	return func(s *MemorySessionStore) {
		if n > 0 {
			s.shards = newShards(n)
		}
	}
}

// NewSessionStore creates a sharded in-memory session store.
func NewSessionStore(opts ...StoreOption) *MemorySessionStore {
	s := &MemorySessionStore{shards: newShards(DefaultShardCount)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{
			byID:    make(map[string]*session.Session),
			byKey:   make(map[string]string),
			byEmail: make(map[string]map[string]struct{}),
		}
	}
	return shards
}

// ListExpired returns copies of every session idle past its deadline at
// now, including ones never looked up again. Removal is left to the
// caller so that it runs the session service's removal path.
func (s *MemorySessionStore) ListExpired(_ context.Context, now time.Time) ([]*session.Session, error) {
	var expired []*session.Session
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, sess := range sh.byID {
			if sess.IsExpired(now) {
				expired = append(expired, copySession(sess))
			}
		}
		sh.mu.RUnlock()
	}
	return expired, nil
}

// Create stores a new session in every index.
func (s *MemorySessionStore) Create(ctx context.Context, sess *session.Session) error {
	email := normalizeEmail(sess.Email)
	idShard, keyShard, emailShard := s.shardFor(sess.ID), s.shardFor(sess.APIKey), s.shardFor(email)

	unlock := s.lock(idShard, keyShard, emailShard)
	defer unlock()

	if _, ok := s.shards[keyShard].byKey[sess.APIKey]; ok {
		return session.ErrAPIKeyInUse
	}
	if _, ok := s.shards[idShard].byID[sess.ID]; ok {
		return fmt.Errorf("duplicate session id %q", sess.ID)
	}

	s.shards[idShard].byID[sess.ID] = copySession(sess)
	s.shards[keyShard].byKey[sess.APIKey] = sess.ID
	owned := s.shards[emailShard].byEmail[email]
	if owned == nil {
		owned = make(map[string]struct{})
		s.shards[emailShard].byEmail[email] = owned
	}
	owned[sess.ID] = struct{}{}
	return nil
}

// Get retrieves a session by ID whether or not it has expired.
func (s *MemorySessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	sh := s.shards[s.shardFor(id)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	sess, ok := sh.byID[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return copySession(sess), nil
}

// GetByAPIKey retrieves the session holding apiKey. Both shards are read
// locked so the key entry and the record are observed together.
func (s *MemorySessionStore) GetByAPIKey(ctx context.Context, apiKey string) (*session.Session, error) {
	keyShard := s.shardFor(apiKey)
	sh := s.shards[keyShard]

	sh.mu.RLock()
	id, ok := sh.byKey[apiKey]
	sh.mu.RUnlock()
	if !ok {
		return nil, session.ErrSessionNotFound
	}

	unlock := s.rlock(keyShard, s.shardFor(id))
	defer unlock()

	if current, ok := sh.byKey[apiKey]; !ok || current != id {
		return nil, session.ErrSessionNotFound
	}
	sess, ok := s.shards[s.shardFor(id)].byID[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return copySession(sess), nil
}

// ListByEmail returns copies of every session owned by email.
func (s *MemorySessionStore) ListByEmail(ctx context.Context, email string) ([]*session.Session, error) {
	email = normalizeEmail(email)
	sh := s.shards[s.shardFor(email)]

	sh.mu.RLock()
	ids := make([]string, 0, len(sh.byEmail[email]))
	for id := range sh.byEmail[email] {
		ids = append(ids, id)
	}
	sh.mu.RUnlock()

	out := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// Touch refreshes a live session. Expired sessions are left as they are.
func (s *MemorySessionStore) Touch(ctx context.Context, id string, now time.Time, timeout time.Duration) (*session.Session, error) {
	sh := s.shards[s.shardFor(id)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.byID[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	if sess.IsExpired(now) {
		return nil, session.ErrSessionExpired
	}
	sess.Touch(now, timeout)
	return copySession(sess), nil
}

// Delete removes a session from every index. It returns
// ErrSessionNotFound when the session is already gone, so concurrent
// removers can tell which of them removed it.
func (s *MemorySessionStore) Delete(ctx context.Context, id string) error {
	idShard := s.shardFor(id)
	sh := s.shards[idShard]

	sh.mu.RLock()
	sess, ok := sh.byID[id]
	var apiKey, email string
	if ok {
		apiKey, email = sess.APIKey, normalizeEmail(sess.Email)
	}
	sh.mu.RUnlock()
	if !ok {
		return session.ErrSessionNotFound
	}

	keyShard, emailShard := s.shardFor(apiKey), s.shardFor(email)
	unlock := s.lock(idShard, keyShard, emailShard)
	defer unlock()

	if _, ok := sh.byID[id]; !ok {
		return session.ErrSessionNotFound
	}
	delete(sh.byID, id)
	if s.shards[keyShard].byKey[apiKey] == id {
		delete(s.shards[keyShard].byKey, apiKey)
	}
	if owned := s.shards[emailShard].byEmail[email]; owned != nil {
		delete(owned, id)
		if len(owned) == 0 {
			delete(s.shards[emailShard].byEmail, email)
		}
	}
	return nil
}

// Size returns the number of sessions currently stored.
func (s *MemorySessionStore) Size() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.byID)
		sh.mu.RUnlock()
	}
	return n
}

func (s *MemorySessionStore) shardFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(s.shards)))
}

// lock write-locks the distinct shards in ascending order.
func (s *MemorySessionStore) lock(idx ...int) func() {
	idx = orderedUnique(idx)
	for _, i := range idx {
		s.shards[i].mu.Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.shards[idx[j]].mu.Unlock()
		}
	}
}

// rlock read-locks the distinct shards in ascending order.
func (s *MemorySessionStore) rlock(idx ...int) func() {
	idx = orderedUnique(idx)
	for _, i := range idx {
		s.shards[i].mu.RLock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.shards[idx[j]].mu.RUnlock()
		}
	}
}

func orderedUnique(idx []int) []int {
	slices.Sort(idx)
	return slices.Compact(idx)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// copySession creates a copy of a session so callers never share records.
func copySession(sess *session.Session) *session.Session {
	c := *sess
	return &c
}

// Compile-time interface verification.
var _ session.SessionStore = (*MemorySessionStore)(nil)
