package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Memory is an in-process Ledger. It follows the same optimistic version
// protocol as the Redis backend, so conflicts surface the same way.
type Memory struct {
	*kvLedger
	store *memStore
}

func NewMemory() *Memory {
	store := &memStore{
		records: make(map[string]memRecord),
		sets:    make(map[string]map[string]struct{}),
	}
	return &Memory{
		kvLedger: &kvLedger{b: store, now: time.Now},
		store:    store,
	}
}

// InjectConflicts makes the next n commits fail with ErrConflict.
func (m *Memory) InjectConflicts(n int) {
	m.store.mu.Lock()
	m.store.injected = n
	m.store.mu.Unlock()
}

// Commits reports how many commits were attempted, including the failed ones.
func (m *Memory) Commits() int {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	return m.store.attempts
}

// SetClock overrides the time source used for record timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.kvLedger.now = now
}

type memRecord struct {
	data []byte
	ver  int64
}

type memStore struct {
	mu       sync.Mutex
	records  map[string]memRecord
	sets     map[string]map[string]struct{}
	clock    int64
	injected int
	attempts int
}

func (s *memStore) get(ctx context.Context, key string) ([]byte, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, 0, nil
	}
	return append([]byte(nil), rec.data...), rec.ver, nil
}

func (s *memStore) members(ctx context.Context, set string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sets[set]))
	for m := range s.sets[set] {
		out = append(out, m)
	}
	return out, nil
}

func (s *memStore) commit(ctx context.Context, c kvCommit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.injected > 0 {
		s.injected--
		return errors.Wrap(ErrConflict, "injected")
	}
	for key, ver := range c.reads {
		if s.records[key].ver != ver {
			return errors.Wrapf(ErrConflict, "record %s changed", key)
		}
	}
	s.clock++
	for key, data := range c.writes {
		s.records[key] = memRecord{data: data, ver: s.clock}
	}
	for _, a := range c.adds {
		members, ok := s.sets[a.set]
		if !ok {
			members = make(map[string]struct{})
			s.sets[a.set] = members
		}
		members[a.member] = struct{}{}
	}
	return nil
}

func (s *memStore) validate(ctx context.Context, reads map[string]int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, ver := range reads {
		if s.records[key].ver != ver {
			return errors.Wrapf(ErrConflict, "record %s changed", key)
		}
	}
	return nil
}

func (s *memStore) close() error { return nil }
