package persistence

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/talgya/kinfolk/internal/agents"
	"github.com/talgya/kinfolk/internal/config"
	"github.com/talgya/kinfolk/internal/engine"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "kinfolk.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "whatever"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestWriteBatchAndReadBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, err := db.StartRun(ctx, 42, config.DefaultParams())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if id == uuid.Nil || db.RunID() != id {
		t.Fatalf("run id not recorded: %v", id)
	}

	mother := agents.IndividualID(1)
	first := engine.Batch{Tick: 1, Events: []engine.Event{
		engine.BirthEvent(3, &mother),
		engine.PartnerFormedEvent(1, 2, 1),
	}}
	first.Events[0].Tick, first.Events[1].Tick = 1, 1
	second := engine.Batch{Tick: 2, Events: []engine.Event{engine.DeathEvent(2, 70.5)}}
	second.Events[0].Tick = 2

	for _, b := range []engine.Batch{first, second} {
		if err := db.WriteBatch(ctx, b); err != nil {
			t.Fatalf("WriteBatch: %v", err)
		}
	}

	recent, err := db.RecentEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 events, got %d", len(recent))
	}
	if recent[0].Kind != string(engine.EventDeath) || recent[0].Age != 70.5 {
		t.Errorf("newest event should be the death, got %+v", recent[0])
	}
	birth := recent[2].Event()
	if birth.Kind != engine.EventBirth || birth.Mother == nil || *birth.Mother != 1 {
		t.Errorf("birth did not round-trip its mother: %+v", birth)
	}
	if recent[1].Event().Mother != nil {
		t.Error("non-birth event should have a null mother")
	}

	onlyDeaths, err := db.RecentEvents(ctx, string(engine.EventDeath), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(onlyDeaths) != 1 {
		t.Errorf("kind filter returned %d rows", len(onlyDeaths))
	}

	counts, err := db.EventCounts(ctx)
	if err != nil {
		t.Fatalf("EventCounts: %v", err)
	}
	if counts["birth"] != 1 || counts["partner_formed"] != 1 || counts["death"] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}

	if err := db.FinishRun(ctx, 2, 2.0/52.0); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
}

func TestEventsAreScopedToRun(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.StartRun(ctx, 1, config.DefaultParams()); err != nil {
		t.Fatal(err)
	}
	if err := db.WriteBatch(ctx, engine.Batch{Events: []engine.Event{engine.DeathEvent(1, 71)}}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.StartRun(ctx, 2, config.DefaultParams()); err != nil {
		t.Fatal(err)
	}
	recent, err := db.RecentEvents(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 0 {
		t.Errorf("new run should not see the previous run's events, got %d", len(recent))
	}
}

func TestFinishRunWithoutStart(t *testing.T) {
	db := openTestDB(t)
	if err := db.FinishRun(context.Background(), 1, 1); err == nil {
		t.Fatal("expected error")
	}
}

func TestMeta(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.SaveMeta(ctx, "note", "a"); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveMeta(ctx, "note", "b"); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetMeta(ctx, "note")
	if err != nil || got != "b" {
		t.Fatalf("GetMeta = %q, %v", got, err)
	}
	if _, err := db.GetMeta(ctx, "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("missing key: err = %v, want sql.ErrNoRows", err)
	}
}

func TestStartRunRecordsLastRun(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		id, err := db.StartRun(ctx, int64(i), config.DefaultParams())
		if err != nil {
			t.Fatalf("StartRun: %v", err)
		}
		got, err := db.GetMeta(ctx, MetaLastRun)
		if err != nil || got != id.String() {
			t.Fatalf("run %d: last_run = %q, %v; want %s", i, got, err, id)
		}
	}
}
