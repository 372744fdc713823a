package duplicate_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/go-fep/fep/internal/duplicate"
)

func sampleFingerprint(stan string) duplicate.Fingerprint {
	return duplicate.Fingerprint{
		AcquirerID:           "00001",
		TerminalID:           "TERM0001",
		STAN:                 stan,
		TransmissionDateTime: "0731120000",
		Amount:               "000000010000",
	}
}

func TestCheckAndRecordFlagsRepeat(t *testing.T) {
	d := duplicate.New()
	fp := sampleFingerprint("123456")

	if d.CheckAndRecord(fp) {
		t.Fatal("first sighting reported as duplicate")
	}
	if !d.CheckAndRecord(fp) {
		t.Fatal("second sighting of the same fingerprint should be a duplicate")
	}
}

func TestCheckAndRecordDistinguishesFingerprints(t *testing.T) {
	d := duplicate.New()
	if d.CheckAndRecord(sampleFingerprint("000001")) {
		t.Fatal("unexpected duplicate")
	}
	if d.CheckAndRecord(sampleFingerprint("000002")) {
		t.Fatal("different STAN should not collide")
	}
}

func TestEntryExpiresAfterHorizon(t *testing.T) {
	now := time.Unix(0, 0)
	d := duplicate.New(duplicate.WithHorizon(time.Minute), duplicate.WithClock(func() time.Time { return now }))
	fp := sampleFingerprint("123456")

	if d.CheckAndRecord(fp) {
		t.Fatal("first sighting reported as duplicate")
	}
	now = now.Add(61 * time.Second)
	if d.CheckAndRecord(fp) {
		t.Fatal("fingerprint should have expired past the horizon")
	}
}

func TestOldestEvictedWhenFull(t *testing.T) {
	d := duplicate.New(duplicate.WithMaxEntries(2))

	fp1 := sampleFingerprint("000001")
	fp2 := sampleFingerprint("000002")
	fp3 := sampleFingerprint("000003")

	d.CheckAndRecord(fp1)
	d.CheckAndRecord(fp2)
	d.CheckAndRecord(fp3) // evicts fp1

	// Check the tracked fingerprints first: re-checking fp1 records it as
	// new, which itself evicts the then-oldest entry (fp2).
	if !d.CheckAndRecord(fp2) {
		t.Fatal("fp2 should still be tracked")
	}
	if !d.CheckAndRecord(fp3) {
		t.Fatal("fp3 should still be tracked")
	}
	if d.CheckAndRecord(fp1) {
		t.Fatal("fp1 should have been evicted and treated as new")
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	now := time.Unix(0, 0)
	d := duplicate.New(duplicate.WithHorizon(time.Minute), duplicate.WithClock(func() time.Time { return now }))

	for i := 0; i < 5; i++ {
		d.CheckAndRecord(sampleFingerprint(fmt.Sprintf("%06d", i)))
	}
	if got := d.Len(); got != 5 {
		t.Fatalf("Len() = %d, want 5", got)
	}

	now = now.Add(61 * time.Second)
	removed := d.Sweep()
	if removed != 5 {
		t.Fatalf("Sweep() removed %d, want 5", removed)
	}
	if got := d.Len(); got != 0 {
		t.Fatalf("Len() after sweep = %d, want 0", got)
	}
}
