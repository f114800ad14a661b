package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/aletop130/ZeroHR/internal/admission"
	"github.com/aletop130/ZeroHR/internal/domain"
	"github.com/aletop130/ZeroHR/internal/events"
	"github.com/aletop130/ZeroHR/internal/logging"
	"github.com/aletop130/ZeroHR/internal/notify"
	"github.com/aletop130/ZeroHR/internal/section"
	"github.com/aletop130/ZeroHR/internal/unitstore"
)

// scoredHandler returns its scores in order, repeating the last one
type scoredHandler struct {
	index   int
	scores  []float64
	genErr  error
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (h *scoredHandler) Index() int         { return h.index }
func (h *scoredHandler) Name() string       { return fmt.Sprintf("s%d", h.index) }
func (h *scoredHandler) Threshold() float64 { return 7 }

func (h *scoredHandler) Generate(ctx context.Context, in section.Input) (string, error) {
	if h.started != nil {
		select {
		case h.started <- struct{}{}:
		default:
		}
	}
	if h.release != nil {
		<-h.release
	}
	if h.genErr != nil {
		return "", h.genErr
	}
	return fmt.Sprintf("text %d", h.index), nil
}

func (h *scoredHandler) Judge(ctx context.Context, text string) (section.Judgment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.calls
	if i >= len(h.scores) {
		i = len(h.scores) - 1
	}
	h.calls++
	return section.Judgment{Score: h.scores[i], Feedback: fmt.Sprintf("note %d", h.index), Parsed: true}, nil
}

type fakeSummarizer struct {
	mu    sync.Mutex
	calls int
}

func (s *fakeSummarizer) Summarize(ctx context.Context, notes string) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return "summary", nil
}

func (s *fakeSummarizer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	engine *Engine
	store  *unitstore.Store
	locker admission.Locker
	summ   *fakeSummarizer
	hub    *events.Hub
}

func newFixture(t *testing.T, handlers []section.Handler, weights []float64) *fixture {
	t.Helper()
	store, err := unitstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:  store,
		locker: admission.NewMemory(),
		summ:   &fakeSummarizer{},
		hub:    events.NewHub(),
	}
	f.engine = New(Deps{
		Store:      store,
		Sections:   section.NewStaticRegistry(handlers, weights),
		Summarizer: f.summ,
		Locker:     f.locker,
		Hub:        f.hub,
		Logger:     logging.Discard(),
	}, Options{
		MaxRetries:  2,
		Concurrency: len(handlers),
		CallTimeout: 5 * time.Second,
	})
	t.Cleanup(f.engine.Close)
	return f
}

func (f *fixture) startAndWait(t *testing.T) *domain.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	run, err := f.engine.StartRun(ctx, StartRequest{Payload: "{}"})
	if err != nil {
		t.Fatal(err)
	}
	final, err := f.engine.WaitRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	return final
}

func TestEngine_AllSectionsAccepted(t *testing.T) {
	handlers := []section.Handler{
		&scoredHandler{index: 1, scores: []float64{9}},
		&scoredHandler{index: 2, scores: []float64{9}},
		&scoredHandler{index: 3, scores: []float64{9}},
	}
	f := newFixture(t, handlers, []float64{0.2, 0.3, 0.5})

	run := f.startAndWait(t)
	if run.Status != domain.RunCompleted {
		t.Fatalf("Status = %q, want completed (error %q)", run.Status, run.Error)
	}
	if run.WeightedScore == nil || math.Abs(*run.WeightedScore-9) > 1e-9 {
		t.Errorf("WeightedScore = %v, want 9", run.WeightedScore)
	}
	if run.FinalText != "text 1\n\ntext 2\n\ntext 3" {
		t.Errorf("FinalText = %q", run.FinalText)
	}
	if run.FinalFeedback != "summary" || f.summ.count() != 1 {
		t.Errorf("FinalFeedback = %q after %d summaries", run.FinalFeedback, f.summ.count())
	}
	if run.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", run.Attempts)
	}
}

func TestEngine_RetryThenAccept(t *testing.T) {
	retrying := &scoredHandler{index: 2, scores: []float64{5, 8}}
	handlers := []section.Handler{
		&scoredHandler{index: 1, scores: []float64{8}},
		retrying,
	}
	f := newFixture(t, handlers, []float64{0.5, 0.5})

	run := f.startAndWait(t)
	if run.Status != domain.RunCompleted {
		t.Fatalf("Status = %q, want completed", run.Status)
	}
	if run.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", run.Attempts)
	}
	if run.WeightedScore == nil || math.Abs(*run.WeightedScore-8) > 1e-9 {
		t.Errorf("WeightedScore = %v, want 8", run.WeightedScore)
	}
	// 8 is not strictly above the finalize threshold
	if f.summ.count() != 0 {
		t.Errorf("summarizer called %d times, want 0", f.summ.count())
	}

	archived, err := f.store.ListArchive(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(archived) != 2 {
		t.Errorf("archived %d units, want 2", len(archived))
	}
}

func TestEngine_FailedSectionContributesZero(t *testing.T) {
	handlers := []section.Handler{
		&scoredHandler{index: 1, scores: []float64{10}},
		&scoredHandler{index: 2, scores: []float64{3}},
	}
	f := newFixture(t, handlers, []float64{0.6, 0.4})

	run := f.startAndWait(t)
	if run.Status != domain.RunCompleted {
		t.Fatalf("Status = %q, want completed", run.Status)
	}
	if run.WeightedScore == nil || math.Abs(*run.WeightedScore-6) > 1e-9 {
		t.Errorf("WeightedScore = %v, want 6", run.WeightedScore)
	}
	if run.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", run.Attempts)
	}
	counts := domain.StatusCounts(run.Units)
	if counts[domain.StatusAccepted] != 1 || counts[domain.StatusFailed] != 1 {
		t.Errorf("status counts = %v", counts)
	}
}

func TestEngine_PermanentGenerationFailure(t *testing.T) {
	handlers := []section.Handler{
		&scoredHandler{index: 1, scores: []float64{9}},
		&scoredHandler{index: 2, genErr: &domain.GenerationError{Section: 2, Err: errors.New("invalid model")}},
	}
	f := newFixture(t, handlers, []float64{0.5, 0.5})

	run := f.startAndWait(t)
	if run.Status != domain.RunCompleted {
		t.Fatalf("Status = %q, want completed", run.Status)
	}
	if run.WeightedScore == nil || math.Abs(*run.WeightedScore-4.5) > 1e-9 {
		t.Errorf("WeightedScore = %v, want 4.5", run.WeightedScore)
	}
}

func TestEngine_AdmissionBusy(t *testing.T) {
	handlers := []section.Handler{&scoredHandler{index: 1, scores: []float64{9}}}
	f := newFixture(t, handlers, []float64{1})
	ctx := context.Background()

	genBefore, err := f.store.CurrentGeneration(ctx)
	if err != nil {
		t.Fatal(err)
	}

	lease, err := f.locker.TryAcquire(ctx, admission.DefaultLockName, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release(ctx)

	if _, err := f.engine.StartRun(ctx, StartRequest{}); !errors.Is(err, domain.ErrAdmissionBusy) {
		t.Fatalf("StartRun error = %v, want ErrAdmissionBusy", err)
	}

	genAfter, err := f.store.CurrentGeneration(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if genAfter != genBefore {
		t.Errorf("generation moved from %d to %d on a rejected admission", genBefore, genAfter)
	}
	runs, err := f.store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("rejected admission created %d runs", len(runs))
	}
}

func TestEngine_ResetDiscardsLateResults(t *testing.T) {
	slow := &scoredHandler{
		index:   1,
		scores:  []float64{9},
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	f := newFixture(t, []section.Handler{slow}, []float64{1})
	ctx := context.Background()

	run, err := f.engine.StartRun(ctx, StartRequest{})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-slow.started:
	case <-time.After(5 * time.Second):
		t.Fatal("generation never started")
	}

	report, err := f.engine.ResetAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Killed != 1 {
		t.Errorf("Killed = %d, want 1", report.Killed)
	}
	if report.Generation <= run.Generation {
		t.Errorf("Generation = %d, want > %d", report.Generation, run.Generation)
	}

	close(slow.release)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := f.engine.WaitRun(waitCtx, run.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("WaitRun error = %v, want ErrNotFound for the abandoned run", err)
	}

	units, err := f.engine.Units(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 1 {
		t.Fatalf("got %d units, want 1", len(units))
	}
	u := units[0]
	if u.Status != domain.StatusPending || u.RunID != "" || u.Text != "" {
		t.Errorf("reseeded unit = %+v, want untouched pending", u)
	}
}

func TestEngine_ResetIsIdempotent(t *testing.T) {
	handlers := []section.Handler{
		&scoredHandler{index: 1, scores: []float64{9}},
		&scoredHandler{index: 2, scores: []float64{9}},
	}
	f := newFixture(t, handlers, []float64{0.5, 0.5})
	ctx := context.Background()

	first, err := f.engine.ResetAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.engine.ResetAll(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if second.Killed != 0 || second.Purged != 0 {
		t.Errorf("second reset stopped jobs: %+v", second)
	}
	if first.UnitsSeeded != 2 || second.UnitsSeeded != 2 {
		t.Errorf("seeded %d then %d units, want 2", first.UnitsSeeded, second.UnitsSeeded)
	}
	if second.UnitsCleared != 2 {
		t.Errorf("UnitsCleared = %d, want 2", second.UnitsCleared)
	}
	units, err := f.engine.Units(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 2 {
		t.Errorf("got %d units after two resets, want 2", len(units))
	}
}

func TestEngine_PollRun(t *testing.T) {
	f := newFixture(t, []section.Handler{&scoredHandler{index: 1, scores: []float64{9}}}, []float64{1})

	if _, err := f.engine.PollRun(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("PollRun error = %v, want ErrNotFound", err)
	}

	run := f.startAndWait(t)
	polled, err := f.engine.PollRun(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if polled.Status != domain.RunCompleted || polled.FinalText != "text 1" {
		t.Errorf("polled = %+v", polled)
	}
}

func TestEngine_ResumeFinishedRun(t *testing.T) {
	f := newFixture(t, []section.Handler{&scoredHandler{index: 1, scores: []float64{9}}}, []float64{1})
	run := f.startAndWait(t)

	if _, err := f.engine.ResumeRun(context.Background(), run.ID); !errors.Is(err, ErrRunFinished) {
		t.Errorf("ResumeRun error = %v, want ErrRunFinished", err)
	}
}

func TestEngine_ResumeInterruptedRun(t *testing.T) {
	handlers := []section.Handler{
		&scoredHandler{index: 1, scores: []float64{9}},
		&scoredHandler{index: 2, scores: []float64{9}},
	}
	f := newFixture(t, handlers, []float64{0.5, 0.5})
	ctx := context.Background()

	// Simulate a crashed process: a claimed run with one unit mid-generation.
	stats, err := f.store.Reset(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	run := &domain.Run{ID: "interrupted", Generation: stats.Generation, SectionCount: 2, Status: domain.RunInProgress}
	if err := f.store.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.UpdateUnit(ctx, run.Units[0].ID, run.Generation, func(u *domain.Unit) error {
		return u.Transition(domain.StatusGenerating, 2)
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.ResumeRun(ctx, run.ID); err != nil {
		t.Fatal(err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	final, err := f.engine.WaitRun(waitCtx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != domain.RunCompleted {
		t.Errorf("Status = %q, want completed", final.Status)
	}
	if !domain.AllTerminal(final.Units) {
		t.Error("resumed run finished with non-terminal units")
	}
}

func TestEngine_PublishesEvents(t *testing.T) {
	f := newFixture(t, []section.Handler{&scoredHandler{index: 1, scores: []float64{9}}}, []float64{1})
	ch, unsubscribe := f.hub.Subscribe(256)
	defer unsubscribe()

	run := f.startAndWait(t)

	seen := map[string]int{}
	deadline := time.After(5 * time.Second)
	for seen[events.TypeRunFinished] == 0 {
		select {
		case env, ok := <-ch:
			if !ok {
				t.Fatal("subscriber dropped")
			}
			seen[env.Type]++
			if env.Type == events.TypeRunFinished {
				msg := env.Payload.(events.RunFinishedMessage)
				if msg.RunID != run.ID || msg.Status != string(domain.RunCompleted) {
					t.Errorf("run_finished = %+v", msg)
				}
			}
		case <-deadline:
			t.Fatalf("timed out, saw %v", seen)
		}
	}

	if seen[events.TypeRunReset] != 1 || seen[events.TypeRunStarted] != 1 {
		t.Errorf("events = %v", seen)
	}
	// pending->generating->awaiting->judging->accepted
	if seen[events.TypeUnitTransition] != 4 {
		t.Errorf("unit transitions = %d, want 4", seen[events.TypeUnitTransition])
	}
}

func TestEngine_InvalidSectionCount(t *testing.T) {
	f := newFixture(t, []section.Handler{&scoredHandler{index: 1, scores: []float64{9}}}, []float64{1})
	if _, err := f.engine.StartRun(context.Background(), StartRequest{SectionCount: 3}); !errors.Is(err, ErrInvalidRequest) {
		t.Error("expected error for a section count beyond the registry")
	}
}

func TestEngine_KillKeepsCommittedStatus(t *testing.T) {
	slow := &scoredHandler{
		index:   1,
		scores:  []float64{9},
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	fast := &scoredHandler{index: 2, scores: []float64{9}}
	f := newFixture(t, []section.Handler{slow, fast}, []float64{0.5, 0.5})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	run, err := f.engine.StartRun(ctx, StartRequest{})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-slow.started:
	case <-ctx.Done():
		t.Fatal("generation never started")
	}

	stats, err := f.engine.Kill(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Killed+stats.Purged == 0 {
		t.Errorf("Kill stopped nothing: %+v", stats)
	}

	close(slow.release)
	killed, err := f.engine.WaitRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if killed.Status != domain.RunInProgress {
		t.Errorf("Status after kill = %q, want in_progress", killed.Status)
	}
	if got := killed.Units[0].Status; got != domain.StatusGenerating {
		t.Errorf("killed unit status = %q, want generating", got)
	}
	if killed.Units[0].Text != "" {
		t.Errorf("killed unit text = %q, want nothing committed", killed.Units[0].Text)
	}

	units, err := f.engine.Units(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 2 || units[0].RunID != run.ID {
		t.Fatalf("units after kill = %+v, want the run's claimed units", units)
	}

	if _, err := f.engine.ResumeRun(ctx, run.ID); err != nil {
		t.Fatal(err)
	}
	final, err := f.engine.WaitRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != domain.RunCompleted {
		t.Errorf("Status after resume = %q (%s), want completed", final.Status, final.Error)
	}
	if final.Generation != run.Generation {
		t.Errorf("Generation = %d, want %d", final.Generation, run.Generation)
	}
}

func TestEngine_KillWhenIdle(t *testing.T) {
	f := newFixture(t, []section.Handler{&scoredHandler{index: 1, scores: []float64{9}}}, []float64{1})
	ch, unsubscribe := f.hub.Subscribe(16)
	defer unsubscribe()

	stats, err := f.engine.Kill(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Killed != 0 || stats.Purged != 0 {
		t.Errorf("stats = %+v, want nothing stopped", stats)
	}
	select {
	case env := <-ch:
		if env.Type != events.TypeRunKilled {
			t.Errorf("event = %s, want %s", env.Type, events.TypeRunKilled)
		}
	case <-time.After(time.Second):
		t.Fatal("no run_killed event")
	}
}

func TestEngine_Slots(t *testing.T) {
	slow := &scoredHandler{
		index:   1,
		scores:  []float64{9},
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	f := newFixture(t, []section.Handler{slow}, []float64{1})
	ch, unsubscribe := f.hub.Subscribe(256)
	defer unsubscribe()

	if got := f.engine.Slots(); got.Max != 1 || got.Available != 1 || got.Jobs != 0 {
		t.Errorf("idle slots = %+v", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := f.engine.StartRun(ctx, StartRequest{})
	if err != nil {
		t.Fatal(err)
	}
	<-slow.started
	if got := f.engine.Slots(); got.Available != 0 || got.Jobs != 1 {
		t.Errorf("busy slots = %+v", got)
	}
	close(slow.release)
	if _, err := f.engine.WaitRun(ctx, run.ID); err != nil {
		t.Fatal(err)
	}

	var taken, freed bool
	for !(taken && freed) {
		select {
		case env := <-ch:
			if env.Type != events.TypePoolSlots {
				continue
			}
			msg := env.Payload.(events.PoolSlotsMessage)
			if msg.Max != 1 {
				t.Errorf("pool_slots max = %d, want 1", msg.Max)
			}
			taken = taken || msg.Available == 0
			freed = freed || (taken && msg.Available == 1)
		case <-ctx.Done():
			t.Fatalf("pool_slots events: taken=%v freed=%v", taken, freed)
		}
	}
}

// stalledNotifier blocks until its context is done
type stalledNotifier struct {
	entered chan struct{}
	err     chan error
}

func (n *stalledNotifier) Send(ctx context.Context, _ notify.Notification) error {
	close(n.entered)
	<-ctx.Done()
	n.err <- ctx.Err()
	return ctx.Err()
}

func TestEngine_CloseAbortsSlowNotification(t *testing.T) {
	store, err := unitstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	n := &stalledNotifier{entered: make(chan struct{}), err: make(chan error, 1)}
	e := New(Deps{
		Store:      store,
		Sections:   section.NewStaticRegistry([]section.Handler{&scoredHandler{index: 1, scores: []float64{9}}}, []float64{1}),
		Summarizer: &fakeSummarizer{},
		Locker:     admission.NewMemory(),
		Notifier:   n,
		Logger:     logging.Discard(),
	}, Options{Concurrency: 1, CallTimeout: 5 * time.Second})

	if _, err := e.StartRun(context.Background(), StartRequest{}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-n.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("run never notified")
	}

	closed := make(chan struct{})
	go func() {
		e.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on the notifier")
	}
	if err := <-n.err; !errors.Is(err, context.Canceled) {
		t.Errorf("notifier context error = %v, want context.Canceled", err)
	}
}
