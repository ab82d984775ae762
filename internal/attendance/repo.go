package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"libattend/internal/store"
)

// Repository holds the visit SQL. Every method runs on the Querier it is
// given so callers decide whether it is part of a transaction.
type Repository struct {
	dialect store.Dialect
}

// NewRepository creates a repo for the given dialect.
func NewRepository(d store.Dialect) *Repository {
	return &Repository{dialect: d}
}

const visitColumns = `v.id, v.member_usn, v.resource_tag, v.entry_time, v.exit_time, v.duration_minutes, v.semester`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVisit(row rowScanner, extra ...any) (Visit, error) {
	var (
		v     Visit
		tag   sql.NullString
		exit  sql.NullTime
		dur   sql.NullInt64
		entry time.Time
	)
	dest := append([]any{&v.ID, &v.USN, &tag, &entry, &exit, &dur, &v.Semester}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Visit{}, err
	}
	v.EntryTime = entry.UTC()
	if tag.Valid {
		v.ResourceTag = &tag.String
	}
	if exit.Valid {
		t := exit.Time.UTC()
		v.ExitTime = &t
	}
	if dur.Valid {
		d := int(dur.Int64)
		v.DurationMinutes = &d
	}
	return v, nil
}

// MemberSemester returns the member's current semester, or sql.ErrNoRows.
func (r *Repository) MemberSemester(ctx context.Context, q store.Querier, usn string) (int, error) {
	var semester int
	err := q.QueryRowContext(ctx, `SELECT semester FROM members WHERE usn = $1`, usn).Scan(&semester)
	return semester, err
}

// RegisterMember inserts a member unless the USN already exists.
func (r *Repository) RegisterMember(ctx context.Context, q store.Querier, usn string, reg Registration, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO members (usn, name, department, semester, email, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (usn) DO NOTHING
	`, usn, strings.TrimSpace(reg.Name), strings.TrimSpace(reg.Department), reg.Semester,
		optionalString(reg.Email), optionalString(reg.Phone), now)
	return err
}

// HasOpenVisit reports whether usn has a visit without an exit time.
func (r *Repository) HasOpenVisit(ctx context.Context, q store.Querier, usn string) (bool, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		`SELECT id FROM visits WHERE member_usn = $1 AND exit_time IS NULL LIMIT 1`+r.dialect.ForUpdate(), usn,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// InsertVisit opens a visit and returns it with its id.
func (r *Repository) InsertVisit(ctx context.Context, q store.Querier, v Visit) (Visit, error) {
	err := q.QueryRowContext(ctx, `
		INSERT INTO visits (member_usn, resource_tag, entry_time, semester)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, v.USN, v.ResourceTag, v.EntryTime, v.Semester).Scan(&v.ID)
	return v, err
}

// LatestOpenVisit selects the most recent open visit for usn under policy,
// locking the row where the dialect supports it.
func (r *Repository) LatestOpenVisit(ctx context.Context, q store.Querier, usn, tag string, policy TagPolicy) (Visit, error) {
	query := `SELECT ` + visitColumns + ` FROM visits v WHERE v.member_usn = $1 AND v.exit_time IS NULL`
	args := []any{usn}
	switch policy {
	case TagIgnore:
	case TagExact:
		if tag == "" {
			query += ` AND v.resource_tag IS NULL`
		} else {
			query += ` AND v.resource_tag = $2`
			args = append(args, tag)
		}
	default:
		if tag != "" {
			query += ` AND v.resource_tag = $2`
			args = append(args, tag)
		}
	}
	query += ` ORDER BY v.entry_time DESC, v.id DESC LIMIT 1` + r.dialect.ForUpdate()
	return scanVisit(q.QueryRowContext(ctx, query, args...))
}

// CloseVisit writes the exit time and duration once. It returns false when
// the visit was already closed.
func (r *Repository) CloseVisit(ctx context.Context, q store.Querier, id int64, exit time.Time, minutes int) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE visits SET exit_time = $1, duration_minutes = $2
		WHERE id = $3 AND exit_time IS NULL
	`, exit, minutes, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListWithMembers runs a visit query joined with members. where and order
// are appended verbatim; args bind to placeholders inside them.
func (r *Repository) ListWithMembers(ctx context.Context, q store.Querier, where, order string, args ...any) ([]VisitWithMember, error) {
	query := `SELECT ` + visitColumns + `, m.name, m.department
		FROM visits v JOIN members m ON m.usn = v.member_usn`
	if where != "" {
		query += " WHERE " + where
	}
	if order != "" {
		query += " " + order
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]VisitWithMember, 0)
	for rows.Next() {
		var vm VisitWithMember
		v, err := scanVisit(rows, &vm.Name, &vm.Department)
		if err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		vm.Visit = v
		res = append(res, vm)
	}
	return res, rows.Err()
}

// History returns every visit of usn, newest first.
func (r *Repository) History(ctx context.Context, q store.Querier, usn string) ([]Visit, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+visitColumns+` FROM visits v
		WHERE v.member_usn = $1 ORDER BY v.entry_time DESC, v.id DESC`, usn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]Visit, 0)
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// PurgeClosed deletes closed visits that ended before the cutoff.
func (r *Repository) PurgeClosed(ctx context.Context, q store.Querier, before time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM visits WHERE exit_time IS NOT NULL AND exit_time < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
