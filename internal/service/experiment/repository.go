package experiment

import (
	"context"
	"time"

	"github.com/ignite/abtest-engine/internal/domain"
)

// Repository defines the data access contract for experiments.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Create inserts a new experiment with its initial variants.
	Create(ctx context.Context, e *domain.Experiment) error

	// Get returns a single experiment with its variants, ordered by label.
	// Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Experiment, error)

	// List returns experiments matching the filter, ordered by created_at DESC.
	List(ctx context.Context, f ListFilter) ([]domain.Experiment, error)

	// Delete removes an experiment and its variants. Allowed from any state
	// so an operator can tear down a running test.
	Delete(ctx context.Context, id string) error

	// InsertVariant adds a variant to an existing experiment.
	InsertVariant(ctx context.Context, v *domain.Variant) error

	// UpdateVariantPayload overwrites the payload fields of a variant.
	UpdateVariantPayload(ctx context.Context, v *domain.Variant) error

	// UpdateSplits sets the split percentage of each listed variant,
	// keyed by variant id, in one round trip.
	UpdateSplits(ctx context.Context, experimentID string, splits map[string]float64) error

	// DeleteVariant removes a single variant.
	DeleteVariant(ctx context.Context, experimentID, variantID string) error

	// MarkStarted moves a draft experiment to testing and stamps started_at.
	// Returns ErrInvalidState if the experiment is not in draft.
	MarkStarted(ctx context.Context, id string, at time.Time) error

	// CommitWinner records the winner and moves the experiment to completed.
	// The update is conditional on status=testing with no winner yet, so a
	// concurrent commit loses cleanly: ErrAlreadyDecided when a winner exists,
	// ErrInvalidState when the experiment left testing some other way.
	CommitWinner(ctx context.Context, id, variantID, actor string) error

	// MarkExpired moves a testing experiment with no winner to expired.
	// Returns ErrInvalidState if the experiment is not eligible.
	MarkExpired(ctx context.Context, id string) error

	// IncrementCounter bumps one engagement counter atomically. A converted
	// event also adds revenue. Returns ErrVariantNotFound for unknown variants.
	IncrementCounter(ctx context.Context, experimentID, variantID string, kind domain.EventKind, revenue float64) error
}

// ListFilter controls filtering for experiment lists.
type ListFilter struct {
	CampaignID string
	Status     string
}
