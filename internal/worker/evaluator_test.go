package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ignite/abtest-engine/internal/domain"
	"github.com/ignite/abtest-engine/internal/service/experiment"
)

// fakeRepo is a minimal in-memory experiment repository for evaluator tests.
// It allows seeding counters and backdating start times directly.
type fakeRepo struct {
	mu          sync.Mutex
	experiments map[string]*domain.Experiment
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{experiments: make(map[string]*domain.Experiment)}
}

func (f *fakeRepo) put(e *domain.Experiment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	cp.Variants = append([]domain.Variant(nil), e.Variants...)
	f.experiments[cp.ID] = &cp
}

func (f *fakeRepo) Create(_ context.Context, e *domain.Experiment) error {
	f.put(e)
	return nil
}

func (f *fakeRepo) Get(_ context.Context, id string) (*domain.Experiment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.experiments[id]
	if !ok {
		return nil, experiment.ErrNotFound
	}
	cp := *e
	cp.Variants = append([]domain.Variant(nil), e.Variants...)
	return &cp, nil
}

func (f *fakeRepo) List(_ context.Context, filter experiment.ListFilter) ([]domain.Experiment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Experiment
	for _, e := range f.experiments {
		if filter.Status != "" && string(e.Status) != filter.Status {
			continue
		}
		cp := *e
		cp.Variants = append([]domain.Variant(nil), e.Variants...)
		out = append(out, cp)
	}
	return out, nil
}

func (f *fakeRepo) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.experiments, id)
	return nil
}

func (f *fakeRepo) InsertVariant(_ context.Context, _ *domain.Variant) error { return nil }

func (f *fakeRepo) UpdateVariantPayload(_ context.Context, _ *domain.Variant) error { return nil }

func (f *fakeRepo) UpdateSplits(_ context.Context, _ string, _ map[string]float64) error { return nil }

func (f *fakeRepo) DeleteVariant(_ context.Context, _, _ string) error { return nil }

func (f *fakeRepo) MarkStarted(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.experiments[id]
	if !ok {
		return experiment.ErrNotFound
	}
	e.Status = domain.ExperimentTesting
	e.StartedAt = &at
	return nil
}

func (f *fakeRepo) CommitWinner(_ context.Context, id, variantID, actor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.experiments[id]
	if !ok {
		return experiment.ErrNotFound
	}
	if e.SelectedWinnerID != nil {
		return experiment.ErrAlreadyDecided
	}
	if e.Status != domain.ExperimentTesting {
		return experiment.ErrInvalidState
	}
	e.Status = domain.ExperimentCompleted
	e.SelectedWinnerID = &variantID
	e.WinnerSelectedBy = &actor
	return nil
}

func (f *fakeRepo) MarkExpired(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.experiments[id]
	if !ok {
		return experiment.ErrNotFound
	}
	if e.Status != domain.ExperimentTesting || e.SelectedWinnerID != nil {
		return experiment.ErrInvalidState
	}
	e.Status = domain.ExperimentExpired
	return nil
}

func (f *fakeRepo) IncrementCounter(_ context.Context, _, _ string, _ domain.EventKind, _ float64) error {
	return nil
}

func testingExperiment(id string, auto bool, startedAgo time.Duration, durationHours float64) *domain.Experiment {
	started := time.Now().UTC().Add(-startedAgo)
	return &domain.Experiment{
		ID:               id,
		CampaignID:       "camp-1",
		TestType:         domain.TestSubject,
		WinnerCriteria:   domain.CriteriaOpenRate,
		AutoSelectWinner: auto,
		DurationHours:    durationHours,
		ConfidenceLevel:  95,
		MinSampleSize:    50,
		Status:           domain.ExperimentTesting,
		StartedAt:        &started,
		Variants: []domain.Variant{
			{ID: id + "-a", ExperimentID: id, Label: "A", SplitPercentage: 50},
			{ID: id + "-b", ExperimentID: id, Label: "B", SplitPercentage: 50},
		},
	}
}

func seedCounters(e *domain.Experiment, aSent, aOpened, bSent, bOpened int) {
	e.Variants[0].SentCount = aSent
	e.Variants[0].OpenedCount = aOpened
	e.Variants[1].SentCount = bSent
	e.Variants[1].OpenedCount = bOpened
}

func TestEvaluatorAutoSelectsWinner(t *testing.T) {
	repo := newFakeRepo()
	e := testingExperiment("exp-1", true, time.Hour, 24)
	seedCounters(e, 150, 90, 150, 60)
	repo.put(e)

	svc := experiment.NewService(repo, nil)
	ev := NewEvaluator(svc, nil, nil, time.Minute)
	ev.evaluateAll(context.Background())

	got, _ := repo.Get(context.Background(), "exp-1")
	if got.Status != domain.ExperimentCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.SelectedWinnerID == nil || *got.SelectedWinnerID != "exp-1-a" {
		t.Fatalf("expected variant A committed, got %v", got.SelectedWinnerID)
	}
	if *got.WinnerSelectedBy != experiment.ActorSystem {
		t.Fatalf("expected system actor, got %s", *got.WinnerSelectedBy)
	}

	_, winners, _ := ev.Stats()
	if winners != 1 {
		t.Fatalf("expected 1 winner counted, got %d", winners)
	}
}

func TestEvaluatorRespectsManualMode(t *testing.T) {
	repo := newFakeRepo()
	// Decidable numbers but auto-select disabled.
	e := testingExperiment("exp-2", false, time.Hour, 24)
	seedCounters(e, 150, 90, 150, 60)
	repo.put(e)

	svc := experiment.NewService(repo, nil)
	ev := NewEvaluator(svc, nil, nil, time.Minute)
	ev.evaluateAll(context.Background())

	got, _ := repo.Get(context.Background(), "exp-2")
	if got.Status != domain.ExperimentTesting {
		t.Fatalf("manual experiment must stay testing, got %s", got.Status)
	}
}

func TestEvaluatorLeavesInconclusiveRunning(t *testing.T) {
	repo := newFakeRepo()
	e := testingExperiment("exp-3", true, time.Hour, 24)
	seedCounters(e, 150, 75, 150, 74)
	repo.put(e)

	svc := experiment.NewService(repo, nil)
	ev := NewEvaluator(svc, nil, nil, time.Minute)
	ev.evaluateAll(context.Background())

	got, _ := repo.Get(context.Background(), "exp-3")
	if got.Status != domain.ExperimentTesting {
		t.Fatalf("inconclusive experiment inside its window must keep testing, got %s", got.Status)
	}
}

func TestEvaluatorExpiresElapsed(t *testing.T) {
	repo := newFakeRepo()
	// Two hours in on a one hour window, nothing conclusive.
	e := testingExperiment("exp-4", true, 2*time.Hour, 1)
	seedCounters(e, 150, 75, 150, 74)
	repo.put(e)

	svc := experiment.NewService(repo, nil)
	ev := NewEvaluator(svc, nil, nil, time.Minute)
	ev.evaluateAll(context.Background())

	got, _ := repo.Get(context.Background(), "exp-4")
	if got.Status != domain.ExperimentExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}

	_, _, expired := ev.Stats()
	if expired != 1 {
		t.Fatalf("expected 1 expiry counted, got %d", expired)
	}
}

func TestEvaluatorPrefersWinnerOverExpiry(t *testing.T) {
	repo := newFakeRepo()
	// Past the window AND decidable: the winner path must run first.
	e := testingExperiment("exp-5", true, 2*time.Hour, 1)
	seedCounters(e, 150, 90, 150, 60)
	repo.put(e)

	svc := experiment.NewService(repo, nil)
	ev := NewEvaluator(svc, nil, nil, time.Minute)
	ev.evaluateAll(context.Background())

	got, _ := repo.Get(context.Background(), "exp-5")
	if got.Status != domain.ExperimentCompleted {
		t.Fatalf("expected completed over expired, got %s", got.Status)
	}
}

func TestEvaluatorStartStop(t *testing.T) {
	repo := newFakeRepo()
	svc := experiment.NewService(repo, nil)
	ev := NewEvaluator(svc, nil, nil, 10*time.Millisecond)

	ev.Start()
	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		ev.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return; cancellation not observed")
	}
}
