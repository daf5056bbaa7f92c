package domain

import (
	"time"
)

// ExperimentStatus enumerates the lifecycle states of an A/B test.
type ExperimentStatus string

const (
	ExperimentDraft     ExperimentStatus = "draft"
	ExperimentTesting   ExperimentStatus = "testing"
	ExperimentCompleted ExperimentStatus = "completed"
	ExperimentExpired   ExperimentStatus = "expired"
)

// TestType identifies which part of the email the experiment varies.
type TestType string

const (
	TestSubject  TestType = "subject"
	TestContent  TestType = "content"
	TestSendTime TestType = "send_time"
	TestFromName TestType = "from_name"
	TestCombined TestType = "combined"
)

// Valid reports whether t is a known test type.
func (t TestType) Valid() bool {
	switch t {
	case TestSubject, TestContent, TestSendTime, TestFromName, TestCombined:
		return true
	}
	return false
}

// WinnerCriteria is the metric used to rank variants.
type WinnerCriteria string

const (
	CriteriaOpenRate       WinnerCriteria = "open_rate"
	CriteriaClickRate      WinnerCriteria = "click_rate"
	CriteriaConversionRate WinnerCriteria = "conversion_rate"
	CriteriaRevenue        WinnerCriteria = "revenue"
)

// Valid reports whether c is a known winner criterion.
func (c WinnerCriteria) Valid() bool {
	switch c {
	case CriteriaOpenRate, CriteriaClickRate, CriteriaConversionRate, CriteriaRevenue:
		return true
	}
	return false
}

// EventKind identifies an engagement event reported by the delivery pipeline.
type EventKind string

const (
	EventSent      EventKind = "sent"
	EventOpened    EventKind = "opened"
	EventClicked   EventKind = "clicked"
	EventConverted EventKind = "converted"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventSent, EventOpened, EventClicked, EventConverted:
		return true
	}
	return false
}

// VariantLabels is the ordered set of labels an experiment may assign.
// Labels are handed out in this order and never exceed five variants.
var VariantLabels = []string{"A", "B", "C", "D", "E"}

const (
	// MinVariants is the smallest allowed variant count.
	MinVariants = 2
	// MaxVariants is the largest allowed variant count.
	MaxVariants = 5
	// MaxTestDurationHours caps a test at one week.
	MaxTestDurationHours = 168.0
	// MinSampleSizeFloor is the smallest accepted per-variant sample requirement.
	MinSampleSizeFloor = 50
	// SplitSumTolerance is how far the split total may sit from 100 and
	// still be considered balanced.
	SplitSumTolerance = 0.01
)

// Experiment represents one A/B test bound to a single campaign.
type Experiment struct {
	ID               string           `json:"id" db:"id"`
	CampaignID       string           `json:"campaign_id" db:"campaign_id"`
	TestType         TestType         `json:"test_type" db:"test_type"`
	WinnerCriteria   WinnerCriteria   `json:"winner_criteria" db:"winner_criteria"`
	AutoSelectWinner bool             `json:"auto_select_winner" db:"auto_select_winner"`
	DurationHours    float64          `json:"test_duration_hours" db:"test_duration_hours"`
	ConfidenceLevel  float64          `json:"confidence_level" db:"confidence_level"`
	MinSampleSize    int              `json:"min_sample_size" db:"min_sample_size"`
	Status           ExperimentStatus `json:"status" db:"status"`
	StartedAt        *time.Time       `json:"started_at,omitempty" db:"started_at"`
	SelectedWinnerID *string          `json:"selected_winner_id,omitempty" db:"selected_winner_id"`
	WinnerSelectedBy *string          `json:"winner_selected_by,omitempty" db:"winner_selected_by"`
	Variants         []Variant        `json:"variants,omitempty"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the experiment is in a final state.
func (e *Experiment) IsTerminal() bool {
	return e.Status == ExperimentCompleted || e.Status == ExperimentExpired
}

// SplitTotal sums the split percentages of all variants.
func (e *Experiment) SplitTotal() float64 {
	var total float64
	for _, v := range e.Variants {
		total += v.SplitPercentage
	}
	return total
}

// Variant finds a variant by id. Returns nil if not present.
func (e *Experiment) Variant(id string) *Variant {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i]
		}
	}
	return nil
}

// NextLabel returns the first unused label, in A..E order.
// The second return is false when all labels are taken.
func (e *Experiment) NextLabel() (string, bool) {
	used := make(map[string]bool, len(e.Variants))
	for _, v := range e.Variants {
		used[v.Label] = true
	}
	for _, l := range VariantLabels {
		if !used[l] {
			return l, true
		}
	}
	return "", false
}

// Elapsed reports whether the configured test duration has passed since
// the experiment started. Always false before the test starts.
func (e *Experiment) Elapsed(now time.Time) bool {
	if e.StartedAt == nil {
		return false
	}
	return now.Sub(*e.StartedAt).Hours() >= e.DurationHours
}

// Variant is one treatment within an experiment, receiving a fixed share
// of campaign traffic.
type Variant struct {
	ID              string  `json:"id" db:"id"`
	ExperimentID    string  `json:"experiment_id" db:"experiment_id"`
	Label           string  `json:"label" db:"label"`
	Subject         string  `json:"subject,omitempty" db:"subject"`
	Content         string  `json:"content,omitempty" db:"content"`
	FromName        string  `json:"from_name,omitempty" db:"from_name"`
	SendTimeOffset  *int    `json:"send_time_offset_minutes,omitempty" db:"send_time_offset_minutes"`
	SplitPercentage float64 `json:"split_percentage" db:"split_percentage"`

	SentCount      int     `json:"sent_count" db:"sent_count"`
	OpenedCount    int     `json:"opened_count" db:"opened_count"`
	ClickedCount   int     `json:"clicked_count" db:"clicked_count"`
	ConvertedCount int     `json:"converted_count" db:"converted_count"`
	Revenue        float64 `json:"revenue" db:"revenue"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// OpenRate returns opens as a percentage of sends, 0 when nothing was sent.
func (v *Variant) OpenRate() float64 {
	return safeRate(v.OpenedCount, v.SentCount)
}

// ClickRate returns clicks as a percentage of sends, 0 when nothing was sent.
func (v *Variant) ClickRate() float64 {
	return safeRate(v.ClickedCount, v.SentCount)
}

// ConversionRate returns conversions as a percentage of sends, 0 when
// nothing was sent.
func (v *Variant) ConversionRate() float64 {
	return safeRate(v.ConvertedCount, v.SentCount)
}

// MetricValue returns the value of the given criterion for ranking.
func (v *Variant) MetricValue(c WinnerCriteria) float64 {
	switch c {
	case CriteriaOpenRate:
		return v.OpenRate()
	case CriteriaClickRate:
		return v.ClickRate()
	case CriteriaConversionRate:
		return v.ConversionRate()
	case CriteriaRevenue:
		return v.Revenue
	}
	return 0
}

// SuccessCount returns the numerator used in the contingency table for the
// given criterion. Revenue-based tests fall back to conversion counts since
// revenue is not a proportion.
func (v *Variant) SuccessCount(c WinnerCriteria) int {
	switch c {
	case CriteriaOpenRate:
		return v.OpenedCount
	case CriteriaClickRate:
		return v.ClickedCount
	case CriteriaConversionRate, CriteriaRevenue:
		return v.ConvertedCount
	}
	return 0
}

func safeRate(numerator, denominator int) float64 {
	if denominator <= 0 {
		return 0
	}
	return float64(numerator) / float64(denominator) * 100
}
