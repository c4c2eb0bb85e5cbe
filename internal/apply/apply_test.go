package apply

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ajaybenii/test-system-backend/internal/model"
	"github.com/ajaybenii/test-system-backend/internal/store/sqlite"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "apply.db"))
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustApply(t *testing.T, a *Applier, e model.Event) model.Outcome {
	t.Helper()
	outcome, err := a.Apply(context.Background(), e)
	if err != nil {
		t.Fatalf("Apply(%s=%s): %v", e.Question, e.Answer, err)
	}
	return outcome
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.Event
	err    error
}

func (n *recordingNotifier) Name() string { return "recorder" }

func (n *recordingNotifier) AnswerApplied(_ context.Context, evt model.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
	return n.err
}

func TestApplyScenario(t *testing.T) {
	s := newTestStore(t)
	rec := &recordingNotifier{}
	a := New(s, s, WithNotifiers(rec))
	ctx := context.Background()

	steps := []struct {
		name   string
		evt    model.Event
		want   model.Outcome
		answer string
	}{
		{"first answer", model.NewEvent("t1", "Q1", "Yes", t0), model.AppliedNew, "Yes"},
		{"re-delivery", model.NewEvent("t1", "Q1", "Yes", t0), model.AppliedIgnoredDuplicate, "Yes"},
		{"older answer", model.NewEvent("t1", "Q1", "No", t0.Add(-5*time.Second)), model.AppliedStale, "Yes"},
		{"newer answer", model.NewEvent("t1", "Q1", "Maybe", t0.Add(5*time.Second)), model.AppliedNew, "Maybe"},
	}
	for _, st := range steps {
		if got := mustApply(t, a, st.evt); got != st.want {
			t.Errorf("%s: expected %s, got %s", st.name, st.want, got)
		}
		summary, err := s.GetSummary(ctx, "t1")
		if err != nil {
			t.Fatalf("%s: GetSummary: %v", st.name, err)
		}
		if summary.Answers["Q1"] != st.answer {
			t.Errorf("%s: expected answer %q, got %q", st.name, st.answer, summary.Answers["Q1"])
		}
	}

	summary, err := s.GetSummary(ctx, "t1")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if !summary.LastUpdated.Equal(t0.Add(5 * time.Second)) {
		t.Errorf("expected last_updated %v, got %v", t0.Add(5*time.Second), summary.LastUpdated)
	}
	if summary.TotalScore() != 1 {
		t.Errorf("expected total score 1, got %d", summary.TotalScore())
	}

	events, err := s.ListEvents(ctx, "t1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("expected 3 logged events, got %d", len(events))
	}
	if len(rec.events) != 2 {
		t.Errorf("expected 2 notifications, got %d", len(rec.events))
	}
}

func TestApplyComputesKey(t *testing.T) {
	s := newTestStore(t)
	a := New(s, s, WithClock(func() time.Time { return t0.Add(time.Hour) }))

	raw := model.Event{AttemptID: "t1", Question: "Q1", Answer: "Yes", Timestamp: t0.Add(250 * time.Microsecond)}
	if got := mustApply(t, a, raw); got != model.AppliedNew {
		t.Fatalf("expected applied, got %s", got)
	}
	if got := mustApply(t, a, model.NewEvent("t1", "Q1", "Yes", t0)); got != model.AppliedIgnoredDuplicate {
		t.Errorf("expected keyed re-delivery to be a duplicate, got %s", got)
	}

	events, err := s.ListEvents(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 || !events[0].ReceivedAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("expected received_at from clock, got %+v", events)
	}
}

func TestApplyIgnoresSuppliedKey(t *testing.T) {
	s := newTestStore(t)
	a := New(s, s)

	forged := model.Event{AttemptID: "t1", Question: "Q1", Answer: "Yes", Timestamp: t0, EventKey: "zzz"}
	if got := mustApply(t, a, forged); got != model.AppliedNew {
		t.Fatalf("expected applied, got %s", got)
	}
	if got := mustApply(t, a, model.NewEvent("t1", "Q1", "Yes", t0)); got != model.AppliedIgnoredDuplicate {
		t.Errorf("expected same tuple to be a duplicate, got %s", got)
	}

	events, err := s.ListEvents(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	want := model.EventKey("t1", "Q1", "Yes", t0)
	if len(events) != 1 || events[0].EventKey != want {
		t.Errorf("expected one event keyed %s, got %+v", want, events)
	}
}

func TestApplyRejectsInvalidEvent(t *testing.T) {
	s := newTestStore(t)
	a := New(s, s)

	tests := []model.Event{
		{Question: "Q1", Answer: "Yes", Timestamp: t0},
		{AttemptID: "t1", Answer: "Yes", Timestamp: t0},
	}
	for _, e := range tests {
		if _, err := a.Apply(context.Background(), e); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("expected ErrInvalidEvent for %+v, got %v", e, err)
		}
	}
}

func TestApplyEqualTimestampsTieBreak(t *testing.T) {
	s := newTestStore(t)
	a := New(s, s)

	x := model.NewEvent("t1", "Q1", "A", t0)
	y := model.NewEvent("t1", "Q1", "B", t0)
	winner := x
	if y.Supersedes(x) {
		winner = y
	}

	mustApply(t, a, x)
	mustApply(t, a, y)

	summary, err := s.GetSummary(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if summary.Answers["Q1"] != winner.Answer {
		t.Errorf("expected tie-break winner %q, got %q", winner.Answer, summary.Answers["Q1"])
	}
}

// historyFor builds several answers per question with distinct timestamps.
func historyFor(attemptID string) []model.Event {
	var events []model.Event
	for i := range 20 {
		q := fmt.Sprintf("Q%d", i%4)
		events = append(events, model.NewEvent(attemptID, q, fmt.Sprintf("a%d", i), t0.Add(time.Duration(i)*time.Second)))
	}
	return events
}

func expectedAnswers(events []model.Event) map[string]string {
	newest := map[string]model.Event{}
	for _, e := range events {
		if cur, ok := newest[e.Question]; !ok || e.Supersedes(cur) {
			newest[e.Question] = e
		}
	}
	want := make(map[string]string, len(newest))
	for q, e := range newest {
		want[q] = e.Answer
	}
	return want
}

func TestApplyOrderIndependence(t *testing.T) {
	events := historyFor("t1")
	want := expectedAnswers(events)
	rng := rand.New(rand.NewPCG(1, 2))

	for round := range 5 {
		t.Run(fmt.Sprintf("permutation_%d", round), func(t *testing.T) {
			s := newTestStore(t)
			a := New(s, s)
			shuffled := append([]model.Event(nil), events...)
			rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

			for _, e := range shuffled {
				mustApply(t, a, e)
			}
			summary, err := s.GetSummary(context.Background(), "t1")
			if err != nil {
				t.Fatalf("GetSummary: %v", err)
			}
			for q, ans := range want {
				if summary.Answers[q] != ans {
					t.Errorf("answers[%s] = %q, want %q", q, summary.Answers[q], ans)
				}
			}
			if !summary.LastUpdated.Equal(t0.Add(19 * time.Second)) {
				t.Errorf("expected last_updated at newest event, got %v", summary.LastUpdated)
			}
		})
	}
}

func TestApplyLastUpdatedMonotonic(t *testing.T) {
	s := newTestStore(t)
	a := New(s, s)
	ctx := context.Background()

	offsets := []int{10, 3, 12, 1, 11, 20, 5}
	var high time.Time
	for i, off := range offsets {
		e := model.NewEvent("t1", fmt.Sprintf("Q%d", i), "x", t0.Add(time.Duration(off)*time.Second))
		mustApply(t, a, e)
		summary, err := s.GetSummary(ctx, "t1")
		if err != nil {
			t.Fatalf("GetSummary: %v", err)
		}
		if summary.LastUpdated.Before(high) {
			t.Fatalf("last_updated went backwards: %v after %v", summary.LastUpdated, high)
		}
		high = summary.LastUpdated
	}
	if !high.Equal(t0.Add(20 * time.Second)) {
		t.Errorf("expected high-water mark %v, got %v", t0.Add(20*time.Second), high)
	}
}

func TestApplyConcurrentConvergence(t *testing.T) {
	s := newTestStore(t)
	rec := &recordingNotifier{}
	a := New(s, s, WithNotifiers(rec))

	events := historyFor("t1")
	// Every event is submitted three times to mix duplicates into the race.
	var submissions []model.Event
	for range 3 {
		submissions = append(submissions, events...)
	}

	var mu sync.Mutex
	counts := map[model.Outcome]int{}
	g, ctx := errgroup.WithContext(context.Background())
	for _, e := range submissions {
		g.Go(func() error {
			outcome, err := a.Apply(ctx, e)
			if err != nil {
				return err
			}
			mu.Lock()
			counts[outcome]++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Apply: %v", err)
	}

	if dup := counts[model.AppliedIgnoredDuplicate]; dup != 2*len(events) {
		t.Errorf("expected %d duplicates, got %d", 2*len(events), dup)
	}
	if counts[model.AppliedNew]+counts[model.AppliedStale] != len(events) {
		t.Errorf("expected %d first deliveries, got %v", len(events), counts)
	}
	if len(rec.events) != counts[model.AppliedNew] {
		t.Errorf("expected one notification per applied event, got %d for %d", len(rec.events), counts[model.AppliedNew])
	}

	summary, err := s.GetSummary(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	for q, ans := range expectedAnswers(events) {
		if summary.Answers[q] != ans {
			t.Errorf("answers[%s] = %q, want %q", q, summary.Answers[q], ans)
		}
	}

	logged, err := s.ListEvents(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(logged) != len(events) {
		t.Errorf("expected every distinct event logged once, got %d of %d", len(logged), len(events))
	}
}

// staleMergeStore simulates a concurrent newer merge landing between
// LatestFor and MergeAnswer.
type staleMergeStore struct {
	*sqlite.Store
}

func (staleMergeStore) MergeAnswer(context.Context, model.Event) (bool, error) {
	return false, nil
}

type failingStore struct {
	*sqlite.Store
	appendErr error
	mergeErr  error
}

func (f failingStore) Append(ctx context.Context, evt model.Event) (model.AppendResult, error) {
	if f.appendErr != nil {
		return 0, f.appendErr
	}
	return f.Store.Append(ctx, evt)
}

func (f failingStore) MergeAnswer(ctx context.Context, evt model.Event) (bool, error) {
	if f.mergeErr != nil {
		return false, f.mergeErr
	}
	return f.Store.MergeAnswer(ctx, evt)
}

func TestApplyLostMergeRaceIsStale(t *testing.T) {
	s := newTestStore(t)
	rec := &recordingNotifier{}
	a := New(s, staleMergeStore{s}, WithNotifiers(rec))

	if got := mustApply(t, a, model.NewEvent("t1", "Q1", "Yes", t0)); got != model.AppliedStale {
		t.Errorf("expected stale when merge condition fails, got %s", got)
	}
	if len(rec.events) != 0 {
		t.Errorf("stale events must not notify, got %d", len(rec.events))
	}
}

func TestApplyStorageErrors(t *testing.T) {
	errDown := errors.New("storage down")

	t.Run("append", func(t *testing.T) {
		s := newTestStore(t)
		f := failingStore{Store: s, appendErr: errDown}
		a := New(f, f)
		if _, err := a.Apply(context.Background(), model.NewEvent("t1", "Q1", "Yes", t0)); !errors.Is(err, errDown) {
			t.Errorf("expected wrapped storage error, got %v", err)
		}
	})

	t.Run("merge then reconcile", func(t *testing.T) {
		s := newTestStore(t)
		f := failingStore{Store: s, mergeErr: errDown}
		e := model.NewEvent("t1", "Q1", "Yes", t0)

		if _, err := New(f, f).Apply(context.Background(), e); !errors.Is(err, errDown) {
			t.Fatalf("expected wrapped storage error, got %v", err)
		}

		// The event is logged but unmerged; a retry is a duplicate and
		// reconcile repairs the summary.
		a := New(s, s)
		if got := mustApply(t, a, e); got != model.AppliedIgnoredDuplicate {
			t.Errorf("expected retry to be a duplicate, got %s", got)
		}
		merged, err := a.Reconcile(context.Background(), "t1")
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if merged != 1 {
			t.Errorf("expected 1 reconciled answer, got %d", merged)
		}
		summary, err := s.GetSummary(context.Background(), "t1")
		if err != nil {
			t.Fatalf("GetSummary: %v", err)
		}
		if summary.Answers["Q1"] != "Yes" {
			t.Errorf("expected reconciled answer, got %v", summary.Answers)
		}
	})
}

func TestReconcileIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	a := New(s, s)
	for _, e := range historyFor("t1") {
		mustApply(t, a, e)
	}

	merged, err := a.Reconcile(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if merged != 0 {
		t.Errorf("expected nothing to reconcile on a converged attempt, got %d", merged)
	}

	merged, err = a.Reconcile(context.Background(), "unknown")
	if err != nil || merged != 0 {
		t.Errorf("expected no-op for unknown attempt, got %d, %v", merged, err)
	}
}

func TestNotifierErrorDoesNotFailApply(t *testing.T) {
	s := newTestStore(t)
	rec := &recordingNotifier{err: errors.New("broker down")}
	a := New(s, s, WithNotifiers(rec))

	if got := mustApply(t, a, model.NewEvent("t1", "Q1", "Yes", t0)); got != model.AppliedNew {
		t.Errorf("expected applied despite notifier error, got %s", got)
	}
	if len(rec.events) != 1 {
		t.Errorf("expected notifier to be called once, got %d", len(rec.events))
	}
}
