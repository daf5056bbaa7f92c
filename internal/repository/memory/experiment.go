// Package memory provides an in-memory experiment repository. It backs the
// stub server and tests; state is lost on restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/abtest-engine/internal/domain"
	"github.com/ignite/abtest-engine/internal/service/experiment"
)

// ExperimentRepo implements experiment.Repository with a mutex-guarded map.
type ExperimentRepo struct {
	mu          sync.RWMutex
	experiments map[string]*domain.Experiment
}

// NewExperimentRepo creates an empty in-memory repository.
func NewExperimentRepo() *ExperimentRepo {
	return &ExperimentRepo{experiments: make(map[string]*domain.Experiment)}
}

func clone(e *domain.Experiment) *domain.Experiment {
	cp := *e
	cp.Variants = append([]domain.Variant(nil), e.Variants...)
	return &cp
}

func (r *ExperimentRepo) Create(_ context.Context, e *domain.Experiment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.experiments[e.ID] = clone(e)
	return nil
}

func (r *ExperimentRepo) Get(_ context.Context, id string) (*domain.Experiment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.experiments[id]
	if !ok {
		return nil, experiment.ErrNotFound
	}
	return clone(e), nil
}

func (r *ExperimentRepo) List(_ context.Context, f experiment.ListFilter) ([]domain.Experiment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Experiment
	for _, e := range r.experiments {
		if f.CampaignID != "" && e.CampaignID != f.CampaignID {
			continue
		}
		if f.Status != "" && string(e.Status) != f.Status {
			continue
		}
		out = append(out, *clone(e))
	}
	return out, nil
}

func (r *ExperimentRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.experiments[id]; !ok {
		return experiment.ErrNotFound
	}
	delete(r.experiments, id)
	return nil
}

func (r *ExperimentRepo) InsertVariant(_ context.Context, v *domain.Variant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.experiments[v.ExperimentID]
	if !ok {
		return experiment.ErrNotFound
	}
	e.Variants = append(e.Variants, *v)
	return nil
}

func (r *ExperimentRepo) UpdateVariantPayload(_ context.Context, v *domain.Variant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.experiments[v.ExperimentID]
	if !ok {
		return experiment.ErrNotFound
	}
	for i := range e.Variants {
		if e.Variants[i].ID == v.ID {
			e.Variants[i].Subject = v.Subject
			e.Variants[i].Content = v.Content
			e.Variants[i].FromName = v.FromName
			e.Variants[i].SendTimeOffset = v.SendTimeOffset
			e.Variants[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return experiment.ErrVariantNotFound
}

func (r *ExperimentRepo) UpdateSplits(_ context.Context, experimentID string, splits map[string]float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.experiments[experimentID]
	if !ok {
		return experiment.ErrNotFound
	}
	for i := range e.Variants {
		if pct, ok := splits[e.Variants[i].ID]; ok {
			e.Variants[i].SplitPercentage = pct
			e.Variants[i].UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

func (r *ExperimentRepo) DeleteVariant(_ context.Context, experimentID, variantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.experiments[experimentID]
	if !ok {
		return experiment.ErrNotFound
	}
	for i := range e.Variants {
		if e.Variants[i].ID == variantID {
			e.Variants = append(e.Variants[:i], e.Variants[i+1:]...)
			return nil
		}
	}
	return experiment.ErrVariantNotFound
}

func (r *ExperimentRepo) MarkStarted(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.experiments[id]
	if !ok {
		return experiment.ErrNotFound
	}
	if e.Status != domain.ExperimentDraft {
		return experiment.ErrInvalidState
	}
	e.Status = domain.ExperimentTesting
	e.StartedAt = &at
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *ExperimentRepo) CommitWinner(_ context.Context, id, variantID, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.experiments[id]
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
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *ExperimentRepo) MarkExpired(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.experiments[id]
	if !ok {
		return experiment.ErrNotFound
	}
	if e.Status != domain.ExperimentTesting || e.SelectedWinnerID != nil {
		return experiment.ErrInvalidState
	}
	e.Status = domain.ExperimentExpired
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *ExperimentRepo) IncrementCounter(_ context.Context, experimentID, variantID string, kind domain.EventKind, revenue float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.experiments[experimentID]
	if !ok {
		return experiment.ErrNotFound
	}
	for i := range e.Variants {
		if e.Variants[i].ID != variantID {
			continue
		}
		switch kind {
		case domain.EventSent:
			e.Variants[i].SentCount++
		case domain.EventOpened:
			e.Variants[i].OpenedCount++
		case domain.EventClicked:
			e.Variants[i].ClickedCount++
		case domain.EventConverted:
			e.Variants[i].ConvertedCount++
			e.Variants[i].Revenue += revenue
		}
		e.Variants[i].UpdatedAt = time.Now().UTC()
		return nil
	}
	return experiment.ErrVariantNotFound
}
