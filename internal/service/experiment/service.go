package experiment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/abtest-engine/internal/domain"
	"github.com/ignite/abtest-engine/internal/pkg/logger"
)

// ActorSystem is the actor name the evaluator uses when it commits a winner
// automatically. Only this actor is held to the significance gate; a named
// operator may override the statistics and the audit trail records who did.
const ActorSystem = "system"

const resultsCacheTTL = 5 * time.Minute

// Defaults applied when a create request leaves a knob unset.
const (
	defaultDurationHours   = 24.0
	defaultConfidenceLevel = 95.0
	defaultMinSampleSize   = 100
)

// Service implements the experimentation engine. All public methods are safe
// for concurrent use; state transitions for a given experiment are serialized
// through a per-experiment mutex, while counter increments go straight to the
// repository's atomic updates.
type Service struct {
	repo  Repository
	cache *redis.Client // optional, nil disables result caching

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates an experiment service backed by the given repository.
// cache may be nil.
func NewService(repo Repository, cache *redis.Client) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Service) lockExperiment(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

// CreateInput holds the fields for creating a new experiment.
type CreateInput struct {
	CampaignID       string                `json:"campaign_id"`
	TestType         domain.TestType       `json:"test_type"`
	WinnerCriteria   domain.WinnerCriteria `json:"winner_criteria"`
	AutoSelectWinner bool                  `json:"auto_select_winner"`
	DurationHours    float64               `json:"test_duration_hours"`
	ConfidenceLevel  float64               `json:"confidence_level"`
	MinSampleSize    int                   `json:"min_sample_size"`
	Variants         []VariantInput        `json:"variants"`
}

// VariantInput holds the payload for a new variant. A zero SplitPercentage on
// every variant means the engine assigns even splits itself.
type VariantInput struct {
	Subject         string  `json:"subject"`
	Content         string  `json:"content"`
	FromName        string  `json:"from_name"`
	SendTimeOffset  *int    `json:"send_time_offset_minutes,omitempty"`
	SplitPercentage float64 `json:"split_percentage"`
}

// VariantPatch holds the editable payload fields for a draft variant.
// Nil fields are left untouched.
type VariantPatch struct {
	Subject        *string `json:"subject,omitempty"`
	Content        *string `json:"content,omitempty"`
	FromName       *string `json:"from_name,omitempty"`
	SendTimeOffset *int    `json:"send_time_offset_minutes,omitempty"`
}

// Create validates and persists a new experiment in draft status with its
// initial variant set. Labels are assigned A, B, C... in input order.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.Experiment, error) {
	var violations []string
	if input.CampaignID == "" {
		violations = append(violations, "campaign_id is required")
	}
	if !input.TestType.Valid() {
		violations = append(violations, fmt.Sprintf("unknown test_type %q", input.TestType))
	}
	if !input.WinnerCriteria.Valid() {
		violations = append(violations, fmt.Sprintf("unknown winner_criteria %q", input.WinnerCriteria))
	}

	duration := input.DurationHours
	if duration == 0 {
		duration = defaultDurationHours
	}
	if duration < 0 || duration > domain.MaxTestDurationHours {
		violations = append(violations, fmt.Sprintf("test_duration_hours must be in (0, %.0f]", domain.MaxTestDurationHours))
	}

	confidence := input.ConfidenceLevel
	if confidence == 0 {
		confidence = defaultConfidenceLevel
	}
	if confidence < 90 || confidence > 99.9 {
		violations = append(violations, "confidence_level must be between 90.0 and 99.9")
	}

	sampleSize := input.MinSampleSize
	if sampleSize == 0 {
		sampleSize = defaultMinSampleSize
	}
	if sampleSize < domain.MinSampleSizeFloor {
		violations = append(violations, fmt.Sprintf("min_sample_size must be at least %d", domain.MinSampleSizeFloor))
	}

	if len(input.Variants) < domain.MinVariants || len(input.Variants) > domain.MaxVariants {
		violations = append(violations, fmt.Sprintf("experiment needs %d to %d variants, got %d",
			domain.MinVariants, domain.MaxVariants, len(input.Variants)))
	}
	for i, v := range input.Variants {
		if v.SplitPercentage < 0 || v.SplitPercentage > 100 {
			violations = append(violations, fmt.Sprintf("variant %d split_percentage %.1f must be between 0 and 100",
				i+1, v.SplitPercentage))
		}
	}
	if err := newValidationError(violations); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	e := &domain.Experiment{
		ID:               uuid.New().String(),
		CampaignID:       input.CampaignID,
		TestType:         input.TestType,
		WinnerCriteria:   input.WinnerCriteria,
		AutoSelectWinner: input.AutoSelectWinner,
		DurationHours:    duration,
		ConfidenceLevel:  confidence,
		MinSampleSize:    sampleSize,
		Status:           domain.ExperimentDraft,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	explicitSplits := false
	for i, in := range input.Variants {
		v := domain.Variant{
			ID:              uuid.New().String(),
			ExperimentID:    e.ID,
			Label:           domain.VariantLabels[i],
			Subject:         in.Subject,
			Content:         in.Content,
			FromName:        in.FromName,
			SendTimeOffset:  in.SendTimeOffset,
			SplitPercentage: in.SplitPercentage,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if in.SplitPercentage != 0 {
			explicitSplits = true
		}
		e.Variants = append(e.Variants, v)
	}
	if !explicitSplits {
		rebalanceEven(e.Variants)
	}

	if err := s.repo.Create(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Get returns a single experiment with its variants.
func (s *Service) Get(ctx context.Context, id string) (*domain.Experiment, error) {
	return s.repo.Get(ctx, id)
}

// List returns experiments matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.Experiment, error) {
	return s.repo.List(ctx, f)
}

// Delete tears down an experiment. Allowed from any state; a test in flight
// simply disappears and the evaluator skips it on its next tick.
func (s *Service) Delete(ctx context.Context, id string) error {
	l := s.lockExperiment(id)
	l.Lock()
	defer l.Unlock()
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidateResults(ctx, id)
	return nil
}

// AddVariant appends a variant to a draft experiment and rebalances every
// split evenly, with the new variant taking the rounding remainder.
func (s *Service) AddVariant(ctx context.Context, experimentID string, input VariantInput) (*domain.Experiment, error) {
	l := s.lockExperiment(experimentID)
	l.Lock()
	defer l.Unlock()

	e, err := s.repo.Get(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if e.Status != domain.ExperimentDraft {
		return nil, ErrInvalidState
	}
	if len(e.Variants) >= domain.MaxVariants {
		return nil, ErrVariantLimit
	}
	label, ok := e.NextLabel()
	if !ok {
		return nil, ErrVariantLimit
	}

	now := time.Now().UTC()
	v := domain.Variant{
		ID:             uuid.New().String(),
		ExperimentID:   e.ID,
		Label:          label,
		Subject:        input.Subject,
		Content:        input.Content,
		FromName:       input.FromName,
		SendTimeOffset: input.SendTimeOffset,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	e.Variants = append(e.Variants, v)
	rebalanceEven(e.Variants)

	if err := s.repo.InsertVariant(ctx, &e.Variants[len(e.Variants)-1]); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateSplits(ctx, e.ID, splitMap(e.Variants)); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, experimentID)
}

// RemoveVariant drops a variant from a draft experiment, redistributing its
// share proportionally over the survivors. The experiment must keep at least
// two variants.
func (s *Service) RemoveVariant(ctx context.Context, experimentID, variantID string) (*domain.Experiment, error) {
	l := s.lockExperiment(experimentID)
	l.Lock()
	defer l.Unlock()

	e, err := s.repo.Get(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if e.Status != domain.ExperimentDraft {
		return nil, ErrInvalidState
	}
	if len(e.Variants) <= domain.MinVariants {
		return nil, ErrMinimumVariants
	}

	var removed *domain.Variant
	remaining := make([]domain.Variant, 0, len(e.Variants)-1)
	for i := range e.Variants {
		if e.Variants[i].ID == variantID {
			removed = &e.Variants[i]
			continue
		}
		remaining = append(remaining, e.Variants[i])
	}
	if removed == nil {
		return nil, ErrVariantNotFound
	}
	redistributeAfterRemove(remaining, removed.SplitPercentage)

	if err := s.repo.DeleteVariant(ctx, e.ID, variantID); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateSplits(ctx, e.ID, splitMap(remaining)); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, experimentID)
}

// SetSplit resizes one variant's traffic share in a draft experiment and
// scales the others proportionally.
func (s *Service) SetSplit(ctx context.Context, experimentID, variantID string, pct float64) (*domain.Experiment, error) {
	if pct < 0 || pct > 100 {
		return nil, newValidationError([]string{"split_percentage must be between 0 and 100"})
	}

	l := s.lockExperiment(experimentID)
	l.Lock()
	defer l.Unlock()

	e, err := s.repo.Get(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if e.Status != domain.ExperimentDraft {
		return nil, ErrInvalidState
	}
	if e.Variant(variantID) == nil {
		return nil, ErrVariantNotFound
	}
	resizeSplit(e.Variants, variantID, pct)

	if err := s.repo.UpdateSplits(ctx, e.ID, splitMap(e.Variants)); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, experimentID)
}

// UpdateVariant edits a draft variant's payload fields.
func (s *Service) UpdateVariant(ctx context.Context, experimentID, variantID string, patch VariantPatch) (*domain.Experiment, error) {
	l := s.lockExperiment(experimentID)
	l.Lock()
	defer l.Unlock()

	e, err := s.repo.Get(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if e.Status != domain.ExperimentDraft {
		return nil, ErrInvalidState
	}
	v := e.Variant(variantID)
	if v == nil {
		return nil, ErrVariantNotFound
	}

	if patch.Subject != nil {
		v.Subject = *patch.Subject
	}
	if patch.Content != nil {
		v.Content = *patch.Content
	}
	if patch.FromName != nil {
		v.FromName = *patch.FromName
	}
	if patch.SendTimeOffset != nil {
		v.SendTimeOffset = patch.SendTimeOffset
	}
	v.UpdatedAt = time.Now().UTC()

	if err := s.repo.UpdateVariantPayload(ctx, v); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, experimentID)
}

// Start moves a draft experiment into testing. Every readiness rule is
// checked and all violations are reported together.
func (s *Service) Start(ctx context.Context, id string) (*domain.Experiment, error) {
	l := s.lockExperiment(id)
	l.Lock()
	defer l.Unlock()

	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != domain.ExperimentDraft {
		return nil, ErrInvalidState
	}
	if err := newValidationError(startViolations(e)); err != nil {
		return nil, err
	}

	if err := s.repo.MarkStarted(ctx, id, time.Now().UTC()); err != nil {
		return nil, err
	}
	logger.Info("experiment started",
		"experiment_id", id,
		"variants", len(e.Variants),
		"test_type", e.TestType,
		"winner_criteria", e.WinnerCriteria)
	return s.repo.Get(ctx, id)
}

// startViolations collects every reason the experiment is not ready to run.
func startViolations(e *domain.Experiment) []string {
	var violations []string

	if len(e.Variants) < domain.MinVariants {
		violations = append(violations, fmt.Sprintf("at least %d variants are required", domain.MinVariants))
	}

	total := e.SplitTotal()
	if diff := total - 100; diff > domain.SplitSumTolerance || diff < -domain.SplitSumTolerance {
		violations = append(violations, fmt.Sprintf("split percentages sum to %.1f, expected 100", total))
	}

	for i := range e.Variants {
		v := &e.Variants[i]
		if v.SplitPercentage < 0 || v.SplitPercentage > 100 {
			violations = append(violations, fmt.Sprintf("variant %s split %.1f is outside 0-100", v.Label, v.SplitPercentage))
		}
		switch e.TestType {
		case domain.TestSubject:
			if v.Subject == "" {
				violations = append(violations, fmt.Sprintf("variant %s needs a subject", v.Label))
			}
		case domain.TestContent:
			if v.Content == "" {
				violations = append(violations, fmt.Sprintf("variant %s needs content", v.Label))
			}
		case domain.TestFromName:
			if v.FromName == "" {
				violations = append(violations, fmt.Sprintf("variant %s needs a from name", v.Label))
			}
		case domain.TestSendTime:
			if v.SendTimeOffset == nil {
				violations = append(violations, fmt.Sprintf("variant %s needs a send time offset", v.Label))
			}
		case domain.TestCombined:
			if v.Subject == "" {
				violations = append(violations, fmt.Sprintf("variant %s needs a subject", v.Label))
			}
			if v.Content == "" {
				violations = append(violations, fmt.Sprintf("variant %s needs content", v.Label))
			}
		}
	}
	return violations
}

// RecordEvent ingests one engagement event from the delivery pipeline.
// Counters only move while the experiment is testing. Revenue only applies
// to converted events.
func (s *Service) RecordEvent(ctx context.Context, experimentID, variantID string, kind domain.EventKind, value float64) error {
	if !kind.Valid() {
		return newValidationError([]string{fmt.Sprintf("unknown event kind %q", kind)})
	}
	if value < 0 {
		return newValidationError([]string{"event value must not be negative"})
	}

	e, err := s.repo.Get(ctx, experimentID)
	if err != nil {
		return err
	}
	if e.Status != domain.ExperimentTesting {
		return ErrInvalidState
	}
	if e.Variant(variantID) == nil {
		return ErrVariantNotFound
	}

	revenue := 0.0
	if kind == domain.EventConverted {
		revenue = value
	}
	return s.repo.IncrementCounter(ctx, experimentID, variantID, kind, revenue)
}

// SelectWinner commits a winning variant and completes the experiment.
// The system actor must pass the significance gate; a named operator may
// override it. Calling again with the already-committed winner is a no-op
// returning the decided experiment; any other variant is rejected.
func (s *Service) SelectWinner(ctx context.Context, experimentID, variantID, actor string) (*domain.Experiment, error) {
	if actor == "" {
		return nil, newValidationError([]string{"actor is required"})
	}

	l := s.lockExperiment(experimentID)
	l.Lock()
	defer l.Unlock()

	e, err := s.repo.Get(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if e.Status == domain.ExperimentCompleted {
		if e.SelectedWinnerID != nil && *e.SelectedWinnerID == variantID {
			return e, nil
		}
		return nil, ErrAlreadyDecided
	}
	if e.Status != domain.ExperimentTesting {
		return nil, ErrInvalidState
	}
	if e.Variant(variantID) == nil {
		return nil, ErrVariantNotFound
	}

	if actor == ActorSystem {
		if res := analyze(e); !res.CanDeclareWinner {
			return nil, ErrNotSignificant
		}
	}

	if err := s.repo.CommitWinner(ctx, experimentID, variantID, actor); err != nil {
		return nil, err
	}
	s.invalidateResults(ctx, experimentID)
	logger.Info("winner selected",
		"experiment_id", experimentID,
		"variant_id", variantID,
		"actor", actor)
	return s.repo.Get(ctx, experimentID)
}

// Expire moves a testing experiment past its duration, with no winner, into
// the expired state.
func (s *Service) Expire(ctx context.Context, experimentID string) error {
	l := s.lockExperiment(experimentID)
	l.Lock()
	defer l.Unlock()

	e, err := s.repo.Get(ctx, experimentID)
	if err != nil {
		return err
	}
	if e.Status != domain.ExperimentTesting || !e.Elapsed(time.Now().UTC()) {
		return ErrInvalidState
	}
	if err := s.repo.MarkExpired(ctx, experimentID); err != nil {
		return err
	}
	s.invalidateResults(ctx, experimentID)
	logger.Info("experiment expired",
		"experiment_id", experimentID,
		"duration_hours", e.DurationHours)
	return nil
}

// Results assembles the full view the admin console renders: the experiment
// config, each variant with derived rates and a confidence interval on the
// winner criterion, and the significance analysis. Terminal experiments are
// immutable, so their results are cached in Redis for a few minutes.
func (s *Service) Results(ctx context.Context, experimentID string) (*Results, error) {
	if cached := s.cachedResults(ctx, experimentID); cached != nil {
		return cached, nil
	}

	e, err := s.repo.Get(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	r := &Results{
		Experiment:   e,
		Significance: analyze(e),
		GeneratedAt:  time.Now().UTC(),
	}
	for i := range e.Variants {
		v := e.Variants[i]
		r.Variants = append(r.Variants, VariantResult{
			Variant:        v,
			OpenRate:       v.OpenRate(),
			ClickRate:      v.ClickRate(),
			ConversionRate: v.ConversionRate(),
			Interval:       confidenceInterval(v.SuccessCount(e.WinnerCriteria), v.SentCount, e.ConfidenceLevel),
		})
	}

	if e.IsTerminal() {
		s.storeResults(ctx, experimentID, r)
	}
	return r, nil
}

// Summary returns the compact dashboard view of an experiment.
func (s *Service) Summary(ctx context.Context, experimentID string) (*Summary, error) {
	e, err := s.repo.Get(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		ExperimentID:   e.ID,
		CampaignID:     e.CampaignID,
		Status:         e.Status,
		TestType:       e.TestType,
		WinnerCriteria: e.WinnerCriteria,
		VariantCount:   len(e.Variants),
	}
	for _, v := range e.Variants {
		sum.TotalSent += v.SentCount
	}
	res := analyze(e)
	sum.LeadingLabel = res.LeadingLabel
	sum.CanDeclareWinner = res.CanDeclareWinner
	if e.SelectedWinnerID != nil {
		if w := e.Variant(*e.SelectedWinnerID); w != nil {
			sum.WinnerLabel = w.Label
		}
	}
	return sum, nil
}

// Results is the full read model for one experiment.
type Results struct {
	Experiment   *domain.Experiment `json:"experiment"`
	Variants     []VariantResult    `json:"variants"`
	Significance SignificanceResult `json:"significance"`
	GeneratedAt  time.Time          `json:"generated_at"`
}

// VariantResult decorates a variant with its derived rates and the
// confidence interval on the experiment's winner criterion.
type VariantResult struct {
	domain.Variant
	OpenRate       float64            `json:"open_rate"`
	ClickRate      float64            `json:"click_rate"`
	ConversionRate float64            `json:"conversion_rate"`
	Interval       ConfidenceInterval `json:"confidence_interval"`
}

// Summary is the compact dashboard view of an experiment.
type Summary struct {
	ExperimentID     string                  `json:"experiment_id"`
	CampaignID       string                  `json:"campaign_id"`
	Status           domain.ExperimentStatus `json:"status"`
	TestType         domain.TestType         `json:"test_type"`
	WinnerCriteria   domain.WinnerCriteria   `json:"winner_criteria"`
	VariantCount     int                     `json:"variant_count"`
	TotalSent        int                     `json:"total_sent"`
	LeadingLabel     string                  `json:"leading_label,omitempty"`
	CanDeclareWinner bool                    `json:"can_declare_winner"`
	WinnerLabel      string                  `json:"winner_label,omitempty"`
}

func resultsCacheKey(id string) string {
	return "abtest:results:" + id
}

func (s *Service) cachedResults(ctx context.Context, id string) *Results {
	if s.cache == nil {
		return nil
	}
	data, err := s.cache.Get(ctx, resultsCacheKey(id)).Bytes()
	if err != nil {
		return nil
	}
	var r Results
	if err := json.Unmarshal(data, &r); err != nil {
		return nil
	}
	return &r
}

func (s *Service) storeResults(ctx context.Context, id string, r *Results) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, resultsCacheKey(id), data, resultsCacheTTL).Err(); err != nil {
		logger.Warn("results cache write failed", "experiment_id", id, "error", err)
	}
}

func (s *Service) invalidateResults(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, resultsCacheKey(id)).Err(); err != nil {
		logger.Warn("results cache invalidation failed", "experiment_id", id, "error", err)
	}
}
