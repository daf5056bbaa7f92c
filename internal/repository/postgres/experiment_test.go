package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/abtest-engine/internal/domain"
	"github.com/ignite/abtest-engine/internal/service/experiment"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func TestIncrementCounterSent(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewExperimentRepo(db)

	mock.ExpectExec("UPDATE ab_experiment_variants SET sent_count = sent_count \\+ 1").
		WithArgs("v-1", "e-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.IncrementCounter(context.Background(), "e-1", "v-1", domain.EventSent, 0); err != nil {
		t.Fatalf("increment sent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestIncrementCounterConvertedAddsRevenue(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewExperimentRepo(db)

	mock.ExpectExec("converted_count = converted_count \\+ 1, revenue = revenue \\+").
		WithArgs("v-1", "e-1", 49.99).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.IncrementCounter(context.Background(), "e-1", "v-1", domain.EventConverted, 49.99); err != nil {
		t.Fatalf("increment converted: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestIncrementCounterUnknownVariant(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewExperimentRepo(db)

	mock.ExpectExec("UPDATE ab_experiment_variants").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.IncrementCounter(context.Background(), "e-1", "ghost", domain.EventOpened, 0)
	if !errors.Is(err, experiment.ErrVariantNotFound) {
		t.Fatalf("expected ErrVariantNotFound, got %v", err)
	}
}

func TestCommitWinnerConditional(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewExperimentRepo(db)

	mock.ExpectExec("UPDATE ab_experiments").
		WithArgs(domain.ExperimentCompleted, "v-1", "alice@example.com", "e-1", domain.ExperimentTesting).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.CommitWinner(context.Background(), "e-1", "v-1", "alice@example.com"); err != nil {
		t.Fatalf("commit winner: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCommitWinnerLosesRace(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewExperimentRepo(db)

	// Conditional update matches nothing; resolution query shows a winner.
	mock.ExpectExec("UPDATE ab_experiments").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status, selected_winner_id").
		WithArgs("e-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "selected_winner_id"}).
			AddRow("completed", "v-other"))

	err := repo.CommitWinner(context.Background(), "e-1", "v-1", "bob@example.com")
	if !errors.Is(err, experiment.ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
}

func TestMarkStartedRequiresDraft(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewExperimentRepo(db)

	mock.ExpectExec("UPDATE ab_experiments").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status, selected_winner_id").
		WithArgs("e-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "selected_winner_id"}).
			AddRow("testing", nil))

	err := repo.MarkStarted(context.Background(), "e-1", time.Now().UTC())
	if !errors.Is(err, experiment.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewExperimentRepo(db)

	mock.ExpectQuery("SELECT (.+) FROM ab_experiments").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.Get(context.Background(), "missing")
	if !errors.Is(err, experiment.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateInsertsExperimentAndVariants(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewExperimentRepo(db)

	e := &domain.Experiment{
		ID:             "e-1",
		CampaignID:     "c-1",
		TestType:       domain.TestSubject,
		WinnerCriteria: domain.CriteriaOpenRate,
		Status:         domain.ExperimentDraft,
		Variants: []domain.Variant{
			{ID: "v-1", ExperimentID: "e-1", Label: "A", SplitPercentage: 50},
			{ID: "v-2", ExperimentID: "e-1", Label: "B", SplitPercentage: 50},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ab_experiments").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ab_experiment_variants").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ab_experiment_variants").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := repo.Create(context.Background(), e); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
