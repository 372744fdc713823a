package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of every interface this
// package defines: usable in tests, and as the duplicate detector's
// restart-survival store when no external database is configured.
type MemoryStore struct {
	mu sync.Mutex

	transactions []TransactionRecord
	blacklist    map[string]struct{}
	usage        map[string]*accountUsage
	snapshot     []DuplicateEntry
}

type accountUsage struct {
	lastAt time.Time
	usage  LimitUsage
}

// NewMemoryStore returns an empty MemoryStore. Blacklisted keys may be
// seeded up front via blacklisted.
func NewMemoryStore(blacklisted ...string) *MemoryStore {
	s := &MemoryStore{
		blacklist: make(map[string]struct{}, len(blacklisted)),
		usage:     make(map[string]*accountUsage),
	}
	for _, key := range blacklisted {
		s.blacklist[key] = struct{}{}
	}
	return s
}

func (s *MemoryStore) LogTransaction(_ context.Context, rec TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions = append(s.transactions, rec)
	return nil
}

// Transactions returns a copy of every logged record, for test assertions.
func (s *MemoryStore) Transactions() []TransactionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TransactionRecord, len(s.transactions))
	copy(out, s.transactions)
	return out
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, entries []DuplicateEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = append([]DuplicateEntry(nil), entries...)
	return nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context) ([]DuplicateEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DuplicateEntry(nil), s.snapshot...), nil
}

func (s *MemoryStore) IsBlacklisted(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, blocked := s.blacklist[key]
	return blocked, nil
}

// Blacklist adds key to the blacklist.
func (s *MemoryStore) Blacklist(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklist[key] = struct{}{}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func sameMonth(a, b time.Time) bool {
	ay, am, _ := a.Date()
	by, bm, _ := b.Date()
	return ay == by && am == bm
}

func (s *MemoryStore) Usage(_ context.Context, accountID string, now time.Time) (LimitUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usage[accountID]
	if !ok {
		return LimitUsage{}, nil
	}
	return s.rolledLocked(u, now), nil
}

func (s *MemoryStore) RecordUsage(_ context.Context, accountID string, amount int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usage[accountID]
	if !ok {
		u = &accountUsage{lastAt: at}
		s.usage[accountID] = u
	}
	rolled := s.rolledLocked(u, at)
	rolled.DailyAmount += amount
	rolled.DailyCount++
	rolled.MonthlyAmount += amount
	rolled.MonthlyCount++
	u.lastAt, u.usage = at, rolled
	return nil
}

// rolledLocked returns u's counters reset to zero for any window (day,
// month) that now has rolled past, without mutating u.
func (s *MemoryStore) rolledLocked(u *accountUsage, now time.Time) LimitUsage {
	usage := u.usage
	if !sameDay(u.lastAt, now) {
		usage.DailyAmount, usage.DailyCount = 0, 0
	}
	if !sameMonth(u.lastAt, now) {
		usage.MonthlyAmount, usage.MonthlyCount = 0, 0
	}
	return usage
}
