package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/talgya/kinfolk/internal/engine"
)

func TestWriteBatchCountsEvents(t *testing.T) {
	c := New()
	b := engine.Batch{Tick: 1, Events: []engine.Event{
		engine.BirthEvent(1, nil),
		engine.BirthEvent(2, nil),
		engine.DeathEvent(3, 71),
	}}
	if err := c.WriteBatch(context.Background(), b); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(c.events.WithLabelValues("birth")); got != 2 {
		t.Errorf("births = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.events.WithLabelValues("death")); got != 1 {
		t.Errorf("deaths = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.events.WithLabelValues("breakup")); got != 0 {
		t.Errorf("breakups = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.ticks); got != 1 {
		t.Errorf("ticks = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(c.events); n != len(engine.EventKinds) {
		t.Errorf("expected a series per kind, got %d", n)
	}
}

func TestObserve(t *testing.T) {
	c := New()
	c.Observe(engine.SimStats{Population: 12, Adults: 9, Elders: 2, Seekers: 3, Partnerships: 4, Gestating: 1, Years: 2.5})

	checks := map[string]float64{
		"population":   testutil.ToFloat64(c.population),
		"partnerships": testutil.ToFloat64(c.partnerships),
		"years":        testutil.ToFloat64(c.years),
	}
	want := map[string]float64{"population": 12, "partnerships": 4, "years": 2.5}
	for k, v := range want {
		if checks[k] != v {
			t.Errorf("%s = %v, want %v", k, checks[k], v)
		}
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.Observe(engine.SimStats{Population: 7})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "kinfolk_population 7") {
		t.Errorf("population gauge missing from exposition:\n%s", body)
	}
	if !strings.Contains(string(body), `kinfolk_events_total{kind="widowed"} 0`) {
		t.Errorf("pre-created event series missing:\n%s", body)
	}
}
