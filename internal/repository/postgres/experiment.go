package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/abtest-engine/internal/domain"
	"github.com/ignite/abtest-engine/internal/service/experiment"
)

// ExperimentRepo implements experiment.Repository against PostgreSQL.
type ExperimentRepo struct{ db *sql.DB }

// NewExperimentRepo creates a Postgres-backed experiment repository.
func NewExperimentRepo(db *sql.DB) *ExperimentRepo { return &ExperimentRepo{db: db} }

func (r *ExperimentRepo) Create(ctx context.Context, e *domain.Experiment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create experiment: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ab_experiments
			(id, campaign_id, test_type, winner_criteria, auto_select_winner,
			 test_duration_hours, confidence_level, min_sample_size, status,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`, e.ID, e.CampaignID, e.TestType, e.WinnerCriteria, e.AutoSelectWinner,
		e.DurationHours, e.ConfidenceLevel, e.MinSampleSize, e.Status)
	if err != nil {
		return fmt.Errorf("create experiment: %w", err)
	}

	for i := range e.Variants {
		if err := insertVariant(ctx, tx, &e.Variants[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *ExperimentRepo) Get(ctx context.Context, id string) (*domain.Experiment, error) {
	e := &domain.Experiment{}
	var startedAt sql.NullTime
	var winnerID, selectedBy sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, campaign_id, test_type, winner_criteria, auto_select_winner,
		       test_duration_hours, confidence_level, min_sample_size, status,
		       started_at, selected_winner_id, winner_selected_by,
		       created_at, updated_at
		FROM ab_experiments
		WHERE id = $1
	`, id).Scan(
		&e.ID, &e.CampaignID, &e.TestType, &e.WinnerCriteria, &e.AutoSelectWinner,
		&e.DurationHours, &e.ConfidenceLevel, &e.MinSampleSize, &e.Status,
		&startedAt, &winnerID, &selectedBy, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, experiment.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get experiment: %w", err)
	}
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if winnerID.Valid {
		e.SelectedWinnerID = &winnerID.String
	}
	if selectedBy.Valid {
		e.WinnerSelectedBy = &selectedBy.String
	}

	variants, err := r.variants(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Variants = variants
	return e, nil
}

func (r *ExperimentRepo) variants(ctx context.Context, experimentID string) ([]domain.Variant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, experiment_id, label, COALESCE(subject,''), COALESCE(content,''),
		       COALESCE(from_name,''), send_time_offset_minutes, split_percentage,
		       sent_count, opened_count, clicked_count, converted_count, revenue,
		       created_at, updated_at
		FROM ab_experiment_variants
		WHERE experiment_id = $1
		ORDER BY label
	`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	defer rows.Close()

	var out []domain.Variant
	for rows.Next() {
		var v domain.Variant
		var offset sql.NullInt64
		if err := rows.Scan(
			&v.ID, &v.ExperimentID, &v.Label, &v.Subject, &v.Content,
			&v.FromName, &offset, &v.SplitPercentage,
			&v.SentCount, &v.OpenedCount, &v.ClickedCount, &v.ConvertedCount, &v.Revenue,
			&v.CreatedAt, &v.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		if offset.Valid {
			o := int(offset.Int64)
			v.SendTimeOffset = &o
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *ExperimentRepo) List(ctx context.Context, f experiment.ListFilter) ([]domain.Experiment, error) {
	q := `
		SELECT id, campaign_id, test_type, winner_criteria, auto_select_winner,
		       test_duration_hours, confidence_level, min_sample_size, status,
		       started_at, selected_winner_id, created_at, updated_at
		FROM ab_experiments
		WHERE 1=1`
	args := []interface{}{}
	idx := 1
	if f.CampaignID != "" {
		q += fmt.Sprintf(" AND campaign_id = $%d", idx)
		args = append(args, f.CampaignID)
		idx++
	}
	if f.Status != "" {
		q += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	q += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()

	var out []domain.Experiment
	for rows.Next() {
		var e domain.Experiment
		var startedAt sql.NullTime
		var winnerID sql.NullString
		if err := rows.Scan(
			&e.ID, &e.CampaignID, &e.TestType, &e.WinnerCriteria, &e.AutoSelectWinner,
			&e.DurationHours, &e.ConfidenceLevel, &e.MinSampleSize, &e.Status,
			&startedAt, &winnerID, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		if startedAt.Valid {
			e.StartedAt = &startedAt.Time
		}
		if winnerID.Valid {
			e.SelectedWinnerID = &winnerID.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *ExperimentRepo) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete experiment: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM ab_experiment_variants WHERE experiment_id = $1`, id); err != nil {
		return fmt.Errorf("delete variants: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM ab_experiments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete experiment: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return experiment.ErrNotFound
	}
	return tx.Commit()
}

func (r *ExperimentRepo) InsertVariant(ctx context.Context, v *domain.Variant) error {
	return insertVariant(ctx, r.db, v)
}

// execer covers *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertVariant(ctx context.Context, db execer, v *domain.Variant) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO ab_experiment_variants
			(id, experiment_id, label, subject, content, from_name,
			 send_time_offset_minutes, split_percentage, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`, v.ID, v.ExperimentID, v.Label, v.Subject, v.Content, v.FromName,
		v.SendTimeOffset, v.SplitPercentage)
	if err != nil {
		return fmt.Errorf("insert variant %s: %w", v.Label, err)
	}
	return nil
}

func (r *ExperimentRepo) UpdateVariantPayload(ctx context.Context, v *domain.Variant) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ab_experiment_variants
		SET subject = $1, content = $2, from_name = $3,
		    send_time_offset_minutes = $4, updated_at = NOW()
		WHERE id = $5 AND experiment_id = $6
	`, v.Subject, v.Content, v.FromName, v.SendTimeOffset, v.ID, v.ExperimentID)
	if err != nil {
		return fmt.Errorf("update variant payload: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return experiment.ErrVariantNotFound
	}
	return nil
}

func (r *ExperimentRepo) UpdateSplits(ctx context.Context, experimentID string, splits map[string]float64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update splits: %w", err)
	}
	defer tx.Rollback()

	for variantID, pct := range splits {
		if _, err := tx.ExecContext(ctx, `
			UPDATE ab_experiment_variants
			SET split_percentage = $1, updated_at = NOW()
			WHERE id = $2 AND experiment_id = $3
		`, pct, variantID, experimentID); err != nil {
			return fmt.Errorf("update split for %s: %w", variantID, err)
		}
	}
	return tx.Commit()
}

func (r *ExperimentRepo) DeleteVariant(ctx context.Context, experimentID, variantID string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM ab_experiment_variants WHERE id = $1 AND experiment_id = $2
	`, variantID, experimentID)
	if err != nil {
		return fmt.Errorf("delete variant: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return experiment.ErrVariantNotFound
	}
	return nil
}

func (r *ExperimentRepo) MarkStarted(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ab_experiments
		SET status = $1, started_at = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`, domain.ExperimentTesting, at, id, domain.ExperimentDraft)
	if err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return r.transitionError(ctx, id)
	}
	return nil
}

// CommitWinner is conditional on status=testing with no winner recorded, so
// two racing callers cannot both commit.
func (r *ExperimentRepo) CommitWinner(ctx context.Context, id, variantID, actor string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ab_experiments
		SET status = $1, selected_winner_id = $2, winner_selected_by = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5 AND selected_winner_id IS NULL
	`, domain.ExperimentCompleted, variantID, actor, id, domain.ExperimentTesting)
	if err != nil {
		return fmt.Errorf("commit winner: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return r.transitionError(ctx, id)
	}
	return nil
}

func (r *ExperimentRepo) MarkExpired(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ab_experiments
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND selected_winner_id IS NULL
	`, domain.ExperimentExpired, id, domain.ExperimentTesting)
	if err != nil {
		return fmt.Errorf("mark expired: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return r.transitionError(ctx, id)
	}
	return nil
}

// transitionError resolves why a conditional status update matched no row.
func (r *ExperimentRepo) transitionError(ctx context.Context, id string) error {
	var status string
	var winnerID sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT status, selected_winner_id FROM ab_experiments WHERE id = $1`, id,
	).Scan(&status, &winnerID)
	if err == sql.ErrNoRows {
		return experiment.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("resolve transition failure: %w", err)
	}
	if winnerID.Valid {
		return experiment.ErrAlreadyDecided
	}
	return experiment.ErrInvalidState
}

func (r *ExperimentRepo) IncrementCounter(ctx context.Context, experimentID, variantID string, kind domain.EventKind, revenue float64) error {
	var q string
	args := []interface{}{variantID, experimentID}
	switch kind {
	case domain.EventSent:
		q = `UPDATE ab_experiment_variants SET sent_count = sent_count + 1, updated_at = NOW()
		     WHERE id = $1 AND experiment_id = $2`
	case domain.EventOpened:
		q = `UPDATE ab_experiment_variants SET opened_count = opened_count + 1, updated_at = NOW()
		     WHERE id = $1 AND experiment_id = $2`
	case domain.EventClicked:
		q = `UPDATE ab_experiment_variants SET clicked_count = clicked_count + 1, updated_at = NOW()
		     WHERE id = $1 AND experiment_id = $2`
	case domain.EventConverted:
		q = `UPDATE ab_experiment_variants
		     SET converted_count = converted_count + 1, revenue = revenue + $3, updated_at = NOW()
		     WHERE id = $1 AND experiment_id = $2`
		args = append(args, revenue)
	default:
		return fmt.Errorf("unknown event kind %q", kind)
	}

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("increment %s: %w", kind, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return experiment.ErrVariantNotFound
	}
	return nil
}
