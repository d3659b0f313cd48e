package archive

import (
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deliveries.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func makeOutcome(incident, status string, attempts int) Outcome {
	return Outcome{
		EventID:      "ev-" + incident,
		IncidentHash: incident,
		Level:        "error",
		Category:     "network",
		Title:        "request failed",
		Status:       status,
		Attempts:     attempts,
		Timestamp:    time.Now(),
	}
}

func TestRecordAndQuery(t *testing.T) {
	db := testDB(t)

	o := makeOutcome("abc123def456", "sent", 1)
	o.Error = ""
	if err := db.Record(o); err != nil {
		t.Fatalf("Record: %v", err)
	}

	outcomes, err := db.Query(QueryFilter{
		Since: time.Now().Add(-time.Hour),
		Limit: 10,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(outcomes))
	}

	got := outcomes[0]
	if got.EventID != o.EventID {
		t.Errorf("EventID = %q, want %q", got.EventID, o.EventID)
	}
	if got.IncidentHash != "abc123def456" {
		t.Errorf("IncidentHash = %q", got.IncidentHash)
	}
	if got.Status != "sent" {
		t.Errorf("Status = %q", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d", got.Attempts)
	}
}

func TestQueryFilters(t *testing.T) {
	db := testDB(t)

	for _, o := range []Outcome{
		makeOutcome("incident-a", "sent", 1),
		makeOutcome("incident-a", "dropped", 3),
		makeOutcome("incident-b", "sent", 1),
		makeOutcome("incident-c", "rate_limited", 0),
	} {
		if err := db.Record(o); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	byIncident, err := db.Query(QueryFilter{IncidentHash: "incident-a"})
	if err != nil {
		t.Fatalf("Query by incident: %v", err)
	}
	if len(byIncident) != 2 {
		t.Errorf("incident-a outcomes = %d, want 2", len(byIncident))
	}

	byStatus, err := db.Query(QueryFilter{Status: "dropped"})
	if err != nil {
		t.Fatalf("Query by status: %v", err)
	}
	if len(byStatus) != 1 {
		t.Errorf("dropped outcomes = %d, want 1", len(byStatus))
	}

	limited, err := db.Query(QueryFilter{Limit: 2})
	if err != nil {
		t.Fatalf("Query with limit: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited outcomes = %d, want 2", len(limited))
	}
}

func TestIncidentCount(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 3; i++ {
		if err := db.Record(makeOutcome("incident-a", "sent", 1)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := db.Record(makeOutcome("incident-b", "sent", 1)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	count, err := db.IncidentCount("incident-a", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("IncidentCount: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}

	count, err = db.IncidentCount("incident-a", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("IncidentCount future: %v", err)
	}
	if count != 0 {
		t.Errorf("count since future instant = %d, want 0", count)
	}
}

func TestPurge(t *testing.T) {
	db := testDB(t)

	old := makeOutcome("incident-a", "sent", 1)
	old.Timestamp = time.Now().Add(-48 * time.Hour)
	recent := makeOutcome("incident-b", "sent", 1)

	if err := db.Record(old); err != nil {
		t.Fatalf("Record old: %v", err)
	}
	if err := db.Record(recent); err != nil {
		t.Fatalf("Record recent: %v", err)
	}

	purged, err := db.Purge(24 * time.Hour)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}

	remaining, err := db.Query(QueryFilter{})
	if err != nil {
		t.Fatalf("Query after purge: %v", err)
	}
	if len(remaining) != 1 || remaining[0].IncidentHash != "incident-b" {
		t.Errorf("remaining = %+v, want only incident-b", remaining)
	}
}
