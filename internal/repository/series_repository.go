package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-doc-approvals/internal/database"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
)

// SeriesRepository owns document series and issues permanent numbers.
type SeriesRepository struct {
	db *database.DB
}

// NewSeriesRepository creates a new SeriesRepository.
func NewSeriesRepository(db *database.DB) *SeriesRepository {
	return &SeriesRepository{db: db}
}

// GetSeries retrieves a series by primary key.
func (r *SeriesRepository) GetSeries(ctx context.Context, id int64) (*DocumentSeries, error) {
	query := `
		SELECT id, code, prefix, next_number, padding, generate_on, is_active
		FROM document_series
		WHERE id = $1
	`

	s, err := scanSeries(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("document series", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get document series")
	}
	return s, nil
}

// GenerateNumber reserves the next number of the submission's series. The
// counter row is locked for the duration of the reservation so concurrent
// callers never receive the same number. The submission itself is not
// updated; the caller stores the number with its own transition.
//
// Business refusals (inactive series, trigger mismatch) come back as an
// unsuccessful result; only infrastructure failures return an error.
func (r *SeriesRepository) GenerateNumber(ctx context.Context, submissionID int64, trigger NumberTrigger, actingUser string) (*NumberResult, error) {
	var result *NumberResult

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			SELECT ds.id, ds.code, ds.prefix, ds.next_number, ds.padding, ds.generate_on, ds.is_active
			FROM submissions s
			JOIN document_series ds ON ds.id = s.series_id
			WHERE s.id = $1
			FOR UPDATE OF ds
		`
		series, err := scanSeries(tx.QueryRow(ctx, query, submissionID))
		if stderrors.Is(err, pgx.ErrNoRows) {
			return errors.NotFound("submission", submissionID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock document series")
		}

		if !series.IsActive {
			result = &NumberResult{Error: fmt.Sprintf("series %s is inactive", series.Code)}
			return nil
		}
		if series.GenerateOn != trigger {
			result = &NumberResult{Error: fmt.Sprintf("series %s generates on %s, not %s", series.Code, series.GenerateOn, trigger)}
			return nil
		}

		_, err = tx.Exec(ctx, `UPDATE document_series SET next_number = next_number + 1 WHERE id = $1`, series.ID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to advance document series")
		}

		result = &NumberResult{Success: true, Number: FormatNumber(series.Prefix, series.NextNumber, series.Padding)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FormatNumber renders a series number as prefix followed by the
// zero-padded counter.
func FormatNumber(prefix string, n int64, padding int) string {
	digits := strconv.FormatInt(n, 10)
	if pad := padding - len(digits); pad > 0 {
		digits = strings.Repeat("0", pad) + digits
	}
	return prefix + digits
}

func scanSeries(row rowScanner) (*DocumentSeries, error) {
	s := &DocumentSeries{}
	var generateOn string
	err := row.Scan(&s.ID, &s.Code, &s.Prefix, &s.NextNumber, &s.Padding, &generateOn, &s.IsActive)
	if err != nil {
		return nil, err
	}
	s.GenerateOn = NumberTrigger(generateOn)
	return s, nil
}
