package members

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"libattend/internal/attendance"
	"libattend/internal/metrics"
	"libattend/internal/store"
)

// MaxBatchSize bounds a single import so one request cannot hold the dedicated connection indefinitely.
const MaxBatchSize = 5000

// ErrBatchTooLarge is returned for batches above MaxBatchSize.
var ErrBatchTooLarge = errors.New("import batch too large")

// Record is one member row supplied to the importer.
type Record struct {
	USN        string `json:"usn" validate:"required,usn"`
	Name       string `json:"name" validate:"required,max=120"`
	Department string `json:"department" validate:"required,max=60"`
	Semester   int    `json:"semester" validate:"required,min=1,max=8"`
	Email      string `json:"email,omitempty" validate:"omitempty,email"`
	Phone      string `json:"phone,omitempty" validate:"omitempty,max=20"`
}

// Import actions.
const (
	ActionInserted = "inserted"
	ActionUpdated  = "updated"
)

// Success describes one imported record.
type Success struct {
	USN    string `json:"usn"`
	Action string `json:"action"`
}

// Failure describes one rejected record. Err wraps store.ErrConstraintViolation.
type Failure struct {
	USN   string `json:"usn"`
	Error string `json:"error"`
	Err   error  `json:"-"`
}

// Result summarises a batch. SuccessCount+FailureCount always equals TotalCount.
type Result struct {
	TotalCount   int       `json:"total_count"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	Successful   []Success `json:"successful"`
	Failed       []Failure `json:"failed"`
}

// Importer upserts member batches on the dedicated connection.
type Importer struct {
	m     *store.Manager
	inv   attendance.Invalidator
	clock func() time.Time
	log   zerolog.Logger
}

// NewImporter creates an importer. inv is invalidated after every batch that changed rows.
func NewImporter(m *store.Manager, inv attendance.Invalidator, log zerolog.Logger) *Importer {
	return &Importer{m: m, inv: inv, clock: time.Now, log: log.With().Str("component", "importer").Logger()}
}

// ImportBatch upserts records in one transaction. Each record runs in its
// own savepoint: a record rejected by a constraint is reported in Failed
// and the rest of the batch proceeds. Any infrastructure failure rolls the
// whole batch back and is returned wrapped in store.ErrInfrastructure.
func (im *Importer) ImportBatch(ctx context.Context, records []Record) (Result, error) {
	if len(records) > MaxBatchSize {
		return Result{}, fmt.Errorf("%w: %d records (max %d)", ErrBatchTooLarge, len(records), MaxBatchSize)
	}
	start := time.Now()
	var res Result
	err := im.m.WithDedicatedTransaction(ctx, func(ctx context.Context, q store.Querier) error {
		res = Result{TotalCount: len(records), Successful: []Success{}, Failed: []Failure{}}
		now := im.clock().UTC().Truncate(time.Microsecond)
		for _, rec := range records {
			usn := attendance.NormalizeUSN(rec.USN)
			var action string
			recErr, fatal := im.m.Savepoint(ctx, q, "import_record", func(ctx context.Context) (err error) {
				action, err = upsert(ctx, q, usn, rec, now)
				return err
			})
			if fatal != nil {
				return fatal
			}
			if recErr != nil {
				if !errors.Is(recErr, store.ErrConstraintViolation) {
					recErr = fmt.Errorf("%w: %w", store.ErrConstraintViolation, recErr)
				}
				res.Failed = append(res.Failed, Failure{USN: usn, Error: recErr.Error(), Err: recErr})
				continue
			}
			res.Successful = append(res.Successful, Success{USN: usn, Action: action})
		}
		res.SuccessCount, res.FailureCount = len(res.Successful), len(res.Failed)
		return nil
	})
	if err != nil {
		im.log.Error().Err(err).Int("records", len(records)).Msg("import batch rolled back")
		if errors.Is(err, store.ErrInfrastructure) {
			return Result{}, fmt.Errorf("import batch: %w", err)
		}
		return Result{}, fmt.Errorf("import batch: %w: %w", store.ErrInfrastructure, err)
	}

	for _, s := range res.Successful {
		metrics.ImportedRecords.WithLabelValues(s.Action).Inc()
	}
	metrics.ImportedRecords.WithLabelValues("failed").Add(float64(res.FailureCount))
	if res.SuccessCount > 0 && im.inv != nil {
		im.inv.Invalidate()
	}
	im.log.Info().
		Int("total", res.TotalCount).
		Int("succeeded", res.SuccessCount).
		Int("failed", res.FailureCount).
		Dur("elapsed", time.Since(start)).
		Msg("import batch committed")
	return res, nil
}

func upsert(ctx context.Context, q store.Querier, usn string, rec Record, now time.Time) (string, error) {
	var existing string
	err := q.QueryRowContext(ctx, `SELECT usn FROM members WHERE usn = $1`, usn).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = q.ExecContext(ctx, `
			INSERT INTO members (usn, name, department, semester, email, phone, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		`, usn, strings.TrimSpace(rec.Name), strings.TrimSpace(rec.Department), rec.Semester,
			optional(rec.Email), optional(rec.Phone), now)
		return ActionInserted, err
	case err != nil:
		return "", err
	}
	_, err = q.ExecContext(ctx, `
		UPDATE members SET name = $1, department = $2, semester = $3, email = $4, phone = $5, updated_at = $6
		WHERE usn = $7
	`, strings.TrimSpace(rec.Name), strings.TrimSpace(rec.Department), rec.Semester,
		optional(rec.Email), optional(rec.Phone), now, usn)
	return ActionUpdated, err
}

func optional(s string) *string {
	return trimOptional(&s)
}
