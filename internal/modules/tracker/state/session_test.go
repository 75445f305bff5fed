package state

import (
	"errors"
	"sync"
	"testing"
	"time"

	"devicetracker-server/internal/modules/tracker/types"
)

var t0 = time.Date(2025, 2, 3, 14, 30, 0, 0, time.UTC)

func series(values ...string) types.Series {
	out := make(types.Series, len(values))
	for i, v := range values {
		out[i] = types.Sample{Value: v}
	}
	return out
}

func TestSession_CommitSeries(t *testing.T) {
	s := NewSession("sess")
	s.Toggle("device1")

	tk, ok := s.Issue("device1")
	if !ok {
		t.Fatal("Issue(device1) ok = false for selected device")
	}
	if !s.CommitSeries(tk, series("22.0,88.0"), t0) {
		t.Fatal("CommitSeries rejected a current ticket")
	}

	e, ok := s.Snapshot()["device1"]
	if !ok {
		t.Fatal("store entry missing after commit")
	}
	if len(e.Series) != 1 || e.Series[0].Value != "22.0,88.0" || !e.FetchedAt.Equal(t0) || e.Stale() {
		t.Errorf("entry = %+v", e)
	}
}

func TestSession_IssueRequiresSelection(t *testing.T) {
	s := NewSession("sess")
	if _, ok := s.Issue("device1"); ok {
		t.Error("Issue on unselected device ok = true, want false")
	}
}

func TestSession_DeselectPurgesEntry(t *testing.T) {
	s := NewSession("sess")
	s.Toggle("device1")
	tk, _ := s.Issue("device1")
	s.CommitSeries(tk, series("1,1"), t0)

	s.Toggle("device1")

	if _, ok := s.Snapshot()["device1"]; ok {
		t.Error("entry retained after deselection; want purged")
	}
}

func TestSession_StaleResponseAfterDeselectIsDiscarded(t *testing.T) {
	s := NewSession("sess")
	s.Toggle("device1")
	tk, _ := s.Issue("device1")

	s.Toggle("device1") // deselected while the fetch is in flight

	if s.CommitSeries(tk, series("1,1"), t0) {
		t.Error("CommitSeries accepted a result for a deselected device")
	}
	if _, ok := s.Snapshot()["device1"]; ok {
		t.Error("stale response resurrected a purged entry")
	}
}

func TestSession_StaleResponseAfterReselectIsDiscarded(t *testing.T) {
	s := NewSession("sess")
	s.Toggle("device1")
	old, _ := s.Issue("device1")

	s.Toggle("device1")
	s.Toggle("device1") // selected again under a new epoch

	if s.CommitSeries(old, series("1,1"), t0) {
		t.Error("CommitSeries accepted a ticket from an earlier epoch")
	}
	fresh, _ := s.Issue("device1")
	if !s.CommitSeries(fresh, series("2,2"), t0) {
		t.Error("CommitSeries rejected the current-epoch ticket")
	}
}

func TestSession_LastIssuedWins(t *testing.T) {
	s := NewSession("sess")
	s.Toggle("device1")
	first, _ := s.Issue("device1")
	second, _ := s.Issue("device1")

	if !s.CommitSeries(second, series("2,2"), t0) {
		t.Fatal("second ticket rejected")
	}
	if s.CommitSeries(first, series("1,1"), t0.Add(time.Second)) {
		t.Error("earlier-issued ticket overwrote a later one")
	}
	if got := s.Snapshot()["device1"].Series[0].Value; got != "2,2" {
		t.Errorf("series = %q, want the later-issued result", got)
	}
}

func TestSession_CommitFailureKeepsLastSeries(t *testing.T) {
	s := NewSession("sess")
	s.Toggle("device1")
	ok1, _ := s.Issue("device1")
	s.CommitSeries(ok1, series("22.0,88.0"), t0)

	bad, _ := s.Issue("device1")
	if !s.CommitFailure(bad, errors.New("status 503"), t0.Add(time.Minute)) {
		t.Fatal("CommitFailure rejected a current ticket")
	}

	e := s.Snapshot()["device1"]
	if !e.Stale() || e.Err != "status 503" {
		t.Errorf("entry not marked stale: %+v", e)
	}
	if len(e.Series) != 1 || !e.FetchedAt.Equal(t0) {
		t.Errorf("last-known series lost: %+v", e)
	}

	good, _ := s.Issue("device1")
	s.CommitSeries(good, series("22.1,88.1"), t0.Add(2*time.Minute))
	if e := s.Snapshot()["device1"]; e.Stale() {
		t.Errorf("entry still stale after successful fetch: %+v", e)
	}
}

func TestSession_CommitFailureWithoutPriorEntry(t *testing.T) {
	s := NewSession("sess")
	s.Toggle("device2")
	tk, _ := s.Issue("device2")

	s.CommitFailure(tk, errors.New("boom"), t0)

	e, ok := s.Snapshot()["device2"]
	if !ok || !e.Stale() || len(e.Series) != 0 {
		t.Errorf("entry = %+v, %v; want empty stale entry", e, ok)
	}
}

func TestSession_ConcurrentUse(t *testing.T) {
	s := NewSession("sess")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Toggle("device1")
		}()
		go func() {
			defer wg.Done()
			if tk, ok := s.Issue("device1"); ok {
				s.CommitSeries(tk, series("1,1"), t0)
			}
			_, _ = s.View()
		}()
	}
	wg.Wait()

	// 50 toggles: back to unselected, and a deselected device has no entry.
	sel, snap := s.View()
	if sel.Contains("device1") {
		t.Error("device1 selected after an even number of toggles")
	}
	if _, ok := snap["device1"]; ok {
		t.Error("entry present for unselected device")
	}
}

func TestSessions(t *testing.T) {
	ss := NewSessions()

	a := ss.Get("a")
	if ss.Get("a") != a {
		t.Error("Get returned a different session for the same id")
	}
	if _, ok := ss.Lookup("b"); ok {
		t.Error("Lookup created a session")
	}

	b := ss.Get("b")
	b.Toggle("device1")
	if got := ss.Selecting("device1"); len(got) != 1 || got[0] != b {
		t.Errorf("Selecting(device1) = %v, want [b]", got)
	}
	if n := len(ss.All()); n != 2 {
		t.Errorf("All() = %d sessions, want 2", n)
	}

	ss.Remove("a")
	if _, ok := ss.Lookup("a"); ok {
		t.Error("session a still present after Remove")
	}
}

func TestSessions_EvictIdle(t *testing.T) {
	now := t0
	ss := NewSessions()
	ss.now = func() time.Time { return now }

	ss.Get("idle").Toggle("device1")
	ss.Get("active")

	now = t0.Add(2 * time.Hour)
	ss.Get("active")
	if !ss.Touch("active") || ss.Touch("missing") {
		t.Fatal("Touch must report whether the session exists")
	}
	if _, ok := ss.Lookup("missing"); ok {
		t.Fatal("Touch created a session")
	}

	evicted := ss.EvictIdle(now.Add(-time.Hour))

	if len(evicted) != 1 || evicted[0] != "idle" {
		t.Errorf("evicted = %v, want [idle]", evicted)
	}
	if _, ok := ss.Lookup("idle"); ok {
		t.Error("idle session still present")
	}
	if len(ss.Selecting("device1")) != 0 {
		t.Error("evicted session still selects device1")
	}
	if _, ok := ss.Lookup("active"); !ok {
		t.Error("active session evicted")
	}
}
