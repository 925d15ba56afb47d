package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/marska/chatline/internal/database"
	"github.com/marska/chatline/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Initialize(":memory:")
	if err != nil {
		t.Fatalf("opening in-memory database: %v", err)
	}
	return NewStore(db, nil)
}

func record(i int, callerID, calleeID string, outcome models.CallOutcome) models.CallRecord {
	base := time.Unix(1_700_000_000, 0)
	return models.CallRecord{
		RoomID:    fmt.Sprintf("room-%d", i),
		CallerID:  callerID,
		CalleeID:  calleeID,
		Kind:      models.CallKindVoice,
		Outcome:   outcome,
		StartedAt: base.Add(time.Duration(i) * time.Minute),
		EndedAt:   base.Add(time.Duration(i)*time.Minute + 30*time.Second),
	}
}

func TestRecordAndRecent(t *testing.T) {
	s := newTestStore(t)

	s.Record(record(1, "alice", "bob", models.CallOutcomeCompleted))
	s.Record(record(2, "carol", "alice", models.CallOutcomeRejected))
	s.Record(record(3, "bob", "carol", models.CallOutcomeMissed))
	s.Close() // flushes the queue

	recs, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	// Newest first.
	if recs[0].RoomID != "room-3" || recs[2].RoomID != "room-1" {
		t.Fatalf("records out of order: %s, %s, %s", recs[0].RoomID, recs[1].RoomID, recs[2].RoomID)
	}
	if recs[0].ID == "" {
		t.Fatalf("record was persisted without a generated id")
	}
}

func TestRecentForFiltersByParty(t *testing.T) {
	s := newTestStore(t)

	s.Record(record(1, "alice", "bob", models.CallOutcomeCompleted))
	s.Record(record(2, "carol", "dave", models.CallOutcomeMissed))
	s.Record(record(3, "dave", "alice", models.CallOutcomeRejected))
	s.Close()

	recs, err := s.RecentFor("alice", 10)
	if err != nil {
		t.Fatalf("RecentFor failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records for alice, got %d", len(recs))
	}
	for _, rec := range recs {
		if rec.CallerID != "alice" && rec.CalleeID != "alice" {
			t.Fatalf("record does not involve alice: %+v", rec)
		}
	}
}

func TestRecentClampsLimit(t *testing.T) {
	s := newTestStore(t)
	s.Record(record(1, "alice", "bob", models.CallOutcomeCompleted))
	s.Close()

	if _, err := s.Recent(0); err != nil {
		t.Fatalf("Recent with zero limit failed: %v", err)
	}
	if _, err := s.Recent(10_000); err != nil {
		t.Fatalf("Recent with oversized limit failed: %v", err)
	}
}
