// Package state holds the broadcastable projection of the game. It is
// rebuilt and patched from committed ledger values and is never the system
// of record.
package state

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"commodex/internal/ledger"
)

type Player struct {
	UserID         string                 `json:"userId"`
	Username       string                 `json:"username"`
	Balance        decimal.Decimal        `json:"balance"`
	Inventory      map[string]int64       `json:"inventory"`
	RedemptionRule *ledger.RedemptionRule `json:"redemptionRule,omitempty"`
}

type LeaderboardEntry struct {
	Rank     int             `json:"rank"`
	UserID   string          `json:"userId"`
	Username string          `json:"username"`
	Score    decimal.Decimal `json:"score"`
}

type Snapshot struct {
	Version       uint64             `json:"version"`
	Players       map[string]Player  `json:"players"`
	Commodities   []ledger.Commodity `json:"commodities"`
	Leaderboard   []LeaderboardEntry `json:"leaderboard,omitempty"`
	LeaderboardAt *time.Time         `json:"leaderboardAt,omitempty"`
}

// Store is safe for concurrent use. Every mutation bumps the version.
type Store struct {
	mu            sync.RWMutex
	version       uint64
	players       map[string]Player
	commodities   []ledger.Commodity
	leaderboard   []LeaderboardEntry
	leaderboardAt time.Time
}

func NewStore() *Store {
	return &Store{players: make(map[string]Player)}
}

// Load replaces the whole projection.
func (s *Store) Load(players []Player, commodities []ledger.Commodity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players = make(map[string]Player, len(players))
	for _, p := range players {
		s.players[p.UserID] = clonePlayer(p)
	}
	s.commodities = append([]ledger.Commodity(nil), commodities...)
	s.version++
}

func (s *Store) UpsertPlayer(p Player) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players[p.UserID] = clonePlayer(p)
	s.version++
}

// PatchBalances overwrites the balances of known players. Unknown ids are
// ignored; they are loaded on their next player-ready.
func (s *Store) PatchBalances(balances map[string]decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, b := range balances {
		p, ok := s.players[id]
		if !ok {
			continue
		}
		p.Balance = b
		s.players[id] = p
	}
	s.version++
}

func (s *Store) SetInventory(userID string, inventory map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[userID]
	if !ok {
		return
	}
	p.Inventory = cloneInventory(inventory)
	s.players[userID] = p
	s.version++
}

func (s *Store) SetRule(userID string, rule ledger.RedemptionRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[userID]
	if !ok {
		return
	}
	p.RedemptionRule = cloneRule(&rule)
	s.players[userID] = p
	s.version++
}

func (s *Store) SetLeaderboard(entries []LeaderboardEntry, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaderboard = append([]LeaderboardEntry(nil), entries...)
	s.leaderboardAt = at
	s.version++
}

func (s *Store) Player(userID string) (Player, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.players[userID]
	if !ok {
		return Player{}, false
	}
	return clonePlayer(p), true
}

func (s *Store) Leaderboard() ([]LeaderboardEntry, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]LeaderboardEntry(nil), s.leaderboard...), s.leaderboardAt
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Snapshot returns a deep copy safe to serialize while the store keeps
// changing.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{
		Version:     s.version,
		Players:     make(map[string]Player, len(s.players)),
		Commodities: append([]ledger.Commodity(nil), s.commodities...),
		Leaderboard: append([]LeaderboardEntry(nil), s.leaderboard...),
	}
	for id, p := range s.players {
		out.Players[id] = clonePlayer(p)
	}
	if !s.leaderboardAt.IsZero() {
		at := s.leaderboardAt
		out.LeaderboardAt = &at
	}
	return out
}

func clonePlayer(p Player) Player {
	p.Inventory = cloneInventory(p.Inventory)
	p.RedemptionRule = cloneRule(p.RedemptionRule)
	return p
}

func cloneInventory(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

func cloneRule(r *ledger.RedemptionRule) *ledger.RedemptionRule {
	if r == nil {
		return nil
	}
	c := *r
	c.RequiredItems = append([]ledger.RequiredItem(nil), r.RequiredItems...)
	return &c
}
