package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-fep/fep/internal/repository"
)

func TestMemoryStoreLogTransaction(t *testing.T) {
	s := repository.NewMemoryStore()
	rec := repository.TransactionRecord{TraceID: "t1", STAN: "000001", ResponseCode: "00"}
	if err := s.LogTransaction(context.Background(), rec); err != nil {
		t.Fatalf("LogTransaction: %v", err)
	}
	got := s.Transactions()
	if len(got) != 1 || got[0].TraceID != "t1" {
		t.Fatalf("Transactions() = %v, want one record with TraceID t1", got)
	}
}

func TestMemoryStoreBlacklist(t *testing.T) {
	s := repository.NewMemoryStore("4111111111111111")
	blocked, err := s.IsBlacklisted(context.Background(), "4111111111111111")
	if err != nil || !blocked {
		t.Fatalf("IsBlacklisted(seeded key) = %v, %v, want true, nil", blocked, err)
	}
	blocked, err = s.IsBlacklisted(context.Background(), "4000000000000000")
	if err != nil || blocked {
		t.Fatalf("IsBlacklisted(unseeded key) = %v, %v, want false, nil", blocked, err)
	}
	s.Blacklist("4000000000000000")
	blocked, _ = s.IsBlacklisted(context.Background(), "4000000000000000")
	if !blocked {
		t.Fatal("IsBlacklisted() after Blacklist() = false, want true")
	}
}

func TestMemoryStoreUsageAccumulatesWithinDay(t *testing.T) {
	s := repository.NewMemoryStore()
	base := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)

	if err := s.RecordUsage(context.Background(), "acct1", 1000, base); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if err := s.RecordUsage(context.Background(), "acct1", 500, base.Add(time.Hour)); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	usage, err := s.Usage(context.Background(), "acct1", base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if usage.DailyAmount != 1500 || usage.DailyCount != 2 {
		t.Fatalf("usage = %+v, want DailyAmount=1500 DailyCount=2", usage)
	}
	if usage.MonthlyAmount != 1500 || usage.MonthlyCount != 2 {
		t.Fatalf("usage = %+v, want MonthlyAmount=1500 MonthlyCount=2", usage)
	}
}

func TestMemoryStoreUsageRollsOverAtDayBoundary(t *testing.T) {
	s := repository.NewMemoryStore()
	day1 := time.Date(2026, 7, 30, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 7, 31, 1, 0, 0, 0, time.UTC)

	if err := s.RecordUsage(context.Background(), "acct1", 1000, day1); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	usage, err := s.Usage(context.Background(), "acct1", day2)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if usage.DailyAmount != 0 || usage.DailyCount != 0 {
		t.Fatalf("usage across day boundary = %+v, want daily counters reset to zero", usage)
	}
	if usage.MonthlyAmount != 1000 || usage.MonthlyCount != 1 {
		t.Fatalf("usage across day boundary = %+v, want monthly counters retained", usage)
	}
}

func TestMemoryStoreSnapshotRoundTrip(t *testing.T) {
	s := repository.NewMemoryStore()
	entries := []repository.DuplicateEntry{
		{Key: "a|b|000001|0731120000|000000010000", ExpiresAt: time.Now().Add(15 * time.Minute)},
	}
	if err := s.SaveSnapshot(context.Background(), entries); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	got, err := s.LoadSnapshot(context.Background())
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(got) != 1 || got[0].Key != entries[0].Key {
		t.Fatalf("LoadSnapshot() = %v, want %v", got, entries)
	}
}
