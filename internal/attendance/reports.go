package attendance

import (
	"context"
	"fmt"
	"time"

	"libattend/internal/store"
)

const defaultRecentLimit = 10

// read runs fn on a pooled connection outside any explicit transaction.
func (l *Ledger) read(ctx context.Context, fn func(q store.Querier) error) error {
	lease, err := l.m.AcquirePooled(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease)
}

// ListOpenVisits returns every open visit with member details, newest first.
func (l *Ledger) ListOpenVisits(ctx context.Context) ([]VisitWithMember, error) {
	var res []VisitWithMember
	err := l.read(ctx, func(q store.Querier) (err error) {
		res, err = l.repo.ListWithMembers(ctx, q, `v.exit_time IS NULL`, `ORDER BY v.entry_time DESC, v.id DESC`)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list open visits: %w", err)
	}
	return res, nil
}

// ListByDateRange returns visits whose entry time lies in [from, to).
func (l *Ledger) ListByDateRange(ctx context.Context, from, to time.Time) ([]VisitWithMember, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("%w: range end must be after start", ErrInvalidRequest)
	}
	var res []VisitWithMember
	err := l.read(ctx, func(q store.Querier) (err error) {
		res, err = l.repo.ListWithMembers(ctx, q,
			`v.entry_time >= $1 AND v.entry_time < $2`, `ORDER BY v.entry_time DESC, v.id DESC`,
			from.UTC(), to.UTC())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list visits by date: %w", err)
	}
	return res, nil
}

// ListRecent returns the latest visits; limit <= 0 selects 10.
func (l *Ledger) ListRecent(ctx context.Context, limit int) ([]VisitWithMember, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	var res []VisitWithMember
	err := l.read(ctx, func(q store.Querier) (err error) {
		res, err = l.repo.ListWithMembers(ctx, q, "", `ORDER BY v.entry_time DESC, v.id DESC LIMIT $1`, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list recent visits: %w", err)
	}
	return res, nil
}

// History returns all visits of one member, newest first.
func (l *Ledger) History(ctx context.Context, usn string) ([]Visit, error) {
	usn = NormalizeUSN(usn)
	var res []Visit
	err := l.read(ctx, func(q store.Querier) (err error) {
		res, err = l.repo.History(ctx, q, usn)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("visit history: %w", err)
	}
	return res, nil
}

// Bucket is one row of a distribution.
type Bucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Stats is the dashboard summary.
type Stats struct {
	TotalMembers        int       `json:"total_members"`
	ActiveVisits        int       `json:"active_visits"`
	TodayVisits         int       `json:"today_visits"`
	AverageMinutesToday float64   `json:"average_minutes_today"`
	Departments         []Bucket  `json:"departments"`
	Semesters           []Bucket  `json:"semesters"`
	GeneratedAt         time.Time `json:"generated_at"`
}

// DayBounds returns the UTC instants delimiting the calendar day containing t in loc.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}

// Stats summarises members and the visits of the day containing now.
// Distributions count today's visits per department and semester.
func (l *Ledger) Stats(ctx context.Context, now time.Time) (Stats, error) {
	start, end := DayBounds(now, l.loc)
	st := Stats{GeneratedAt: now.UTC(), Departments: []Bucket{}, Semesters: []Bucket{}}

	err := l.read(ctx, func(q store.Querier) error {
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM members`).Scan(&st.TotalMembers); err != nil {
			return err
		}
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM visits WHERE exit_time IS NULL`).Scan(&st.ActiveVisits); err != nil {
			return err
		}
		if err := q.QueryRowContext(ctx, `
			SELECT COUNT(*), COALESCE(CAST(AVG(duration_minutes) AS DOUBLE PRECISION), 0)
			FROM visits WHERE entry_time >= $1 AND entry_time < $2
		`, start, end).Scan(&st.TodayVisits, &st.AverageMinutesToday); err != nil {
			return err
		}

		var err error
		st.Departments, err = buckets(ctx, q, `
			SELECT m.department, COUNT(*) FROM visits v JOIN members m ON m.usn = v.member_usn
			WHERE v.entry_time >= $1 AND v.entry_time < $2
			GROUP BY m.department ORDER BY COUNT(*) DESC, m.department`, start, end)
		if err != nil {
			return err
		}
		st.Semesters, err = buckets(ctx, q, `
			SELECT CAST(v.semester AS TEXT), COUNT(*) FROM visits v
			WHERE v.entry_time >= $1 AND v.entry_time < $2
			GROUP BY v.semester ORDER BY v.semester`, start, end)
		return err
	})
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

func buckets(ctx context.Context, q store.Querier, query string, args ...any) ([]Bucket, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]Bucket, 0)
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.Label, &b.Count); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// PurgeClosedVisits deletes closed visits that ended before the cutoff. Open visits are never removed.
func (l *Ledger) PurgeClosedVisits(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := l.m.WithTransaction(ctx, func(ctx context.Context, q store.Querier) (err error) {
		n, err = l.repo.PurgeClosed(ctx, q, before.UTC())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge visits: %w", err)
	}
	l.log.Info().Int64("deleted", n).Time("before", before).Msg("purged closed visits")
	return n, nil
}
