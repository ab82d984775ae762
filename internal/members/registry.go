package members

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"libattend/internal/attendance"
	"libattend/internal/metrics"
	"libattend/internal/store"
	"libattend/internal/validation"
)

const (
	searchLimit      = 10
	defaultListLimit = 100
)

// Options configures a Registry. Zero values select the defaults.
type Options struct {
	CacheTTL         time.Duration
	CacheSize        int
	StatementTimeout time.Duration
	WallClock        time.Duration
	Clock            func() time.Time
}

// Registry manages members and serves the cached prefix search.
type Registry struct {
	m        *store.Manager
	reader   *store.BoundedReader
	clock    func() time.Time
	validate *validator.Validate
	log      zerolog.Logger

	// mu orders cache fills against invalidation: a search only stores its
	// result if no write invalidated the cache since the search began.
	mu    sync.Mutex
	gen   uint64
	cache *expirable.LRU[string, []Member]
}

// NewRegistry creates a registry backed by m.
func NewRegistry(m *store.Manager, opts Options, log zerolog.Logger) *Registry {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Registry{
		m:        m,
		reader:   store.NewBoundedReader(m, opts.StatementTimeout, opts.WallClock),
		clock:    opts.Clock,
		validate: validation.New(),
		log:      log.With().Str("component", "members").Logger(),
		cache:    expirable.NewLRU[string, []Member](opts.CacheSize, nil, opts.CacheTTL),
	}
}

func (r *Registry) now() time.Time {
	return r.clock().UTC().Truncate(time.Microsecond)
}

// Invalidate drops every cached search result. Every committed member write calls it.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.gen++
	r.cache.Purge()
	r.mu.Unlock()
}

// Search returns up to 10 members whose USN starts with prefix
// (case-insensitive). Results are cached for the configured TTL. A slow or
// failing database yields an empty result, never an error.
func (r *Registry) Search(ctx context.Context, prefix string) []Member {
	key := strings.ToLower(strings.TrimSpace(prefix))
	if key == "" {
		return []Member{}
	}

	r.mu.Lock()
	cached, ok := r.cache.Get(key)
	gen := r.gen
	r.mu.Unlock()
	if ok {
		metrics.SearchCache.WithLabelValues("hit").Inc()
		return slices.Clone(cached)
	}
	metrics.SearchCache.WithLabelValues("miss").Inc()

	found, degraded := store.QueryBounded(ctx, r.reader, store.BoundedQuery{
		Name: "member_search",
		SQL: `SELECT ` + memberColumns + ` FROM members
			WHERE LOWER(usn) LIKE $1 ESCAPE '\'
			ORDER BY usn LIMIT $2`,
		Args: []any{escapeLike(key) + "%", searchLimit},
	}, func(rows *sql.Rows) (Member, error) { return scanMember(rows) }, nil)
	if degraded {
		return found
	}

	r.mu.Lock()
	if gen == r.gen {
		r.cache.Add(key, slices.Clone(found))
	}
	r.mu.Unlock()
	return found
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Create registers a new member.
func (r *Registry) Create(ctx context.Context, m Member) (Member, error) {
	m.USN = attendance.NormalizeUSN(m.USN)
	m.Name = strings.TrimSpace(m.Name)
	m.Department = strings.TrimSpace(m.Department)
	m.Email = trimOptional(m.Email)
	m.Phone = trimOptional(m.Phone)
	if err := r.validate.Struct(m); err != nil {
		return Member{}, fmt.Errorf("%w: %s", ErrInvalidField, validation.Message(err))
	}

	now := r.now()
	m.CreatedAt, m.UpdatedAt = now, now
	err := r.m.WithTransaction(ctx, func(ctx context.Context, q store.Querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO members (`+memberColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, m.USN, m.Name, m.Department, m.Semester, m.Email, m.Phone, m.CreatedAt, m.UpdatedAt)
		if err != nil && r.m.Dialect().IsUniqueViolation(err) {
			return ErrMemberExists
		}
		return err
	})
	if err != nil {
		return Member{}, fmt.Errorf("create member %s: %w", m.USN, err)
	}
	r.Invalidate()
	r.log.Info().Str("usn", m.USN).Msg("member created")
	return m, nil
}

// Get returns one member.
func (r *Registry) Get(ctx context.Context, usn string) (Member, error) {
	lease, err := r.m.AcquirePooled(ctx)
	if err != nil {
		return Member{}, err
	}
	defer lease.Release()
	return getMember(ctx, lease, attendance.NormalizeUSN(usn))
}

func getMember(ctx context.Context, q store.Querier, usn string) (Member, error) {
	m, err := scanMember(q.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE usn = $1`, usn))
	if errors.Is(err, sql.ErrNoRows) {
		return Member{}, fmt.Errorf("%w: %s", ErrMemberNotFound, usn)
	}
	if err != nil {
		return Member{}, fmt.Errorf("get member %s: %w", usn, err)
	}
	return m, nil
}

// ListFilter narrows List. Zero fields are ignored.
type ListFilter struct {
	Department string
	Semester   int
	Limit      int
	Offset     int
}

// List returns members ordered by USN.
func (r *Registry) List(ctx context.Context, f ListFilter) ([]Member, error) {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	query := `SELECT ` + memberColumns + ` FROM members`
	var clauses []string
	var args []any
	if f.Department != "" {
		args = append(args, strings.TrimSpace(f.Department))
		clauses = append(clauses, fmt.Sprintf("department = $%d", len(args)))
	}
	if f.Semester > 0 {
		args = append(args, f.Semester)
		clauses = append(clauses, fmt.Sprintf("semester = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY usn LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	lease, err := r.m.AcquirePooled(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	rows, err := lease.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()
	res := make([]Member, 0)
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// Update applies an allow-listed partial update and returns the stored member.
func (r *Registry) Update(ctx context.Context, usn string, patch Patch) (Member, error) {
	usn = attendance.NormalizeUSN(usn)
	set, args, err := buildUpdate(patch, r.now())
	if err != nil {
		return Member{}, err
	}
	args = append(args, usn)
	query := fmt.Sprintf(`UPDATE members SET %s WHERE usn = $%d`, set, len(args))

	var updated Member
	err = r.m.WithTransaction(ctx, func(ctx context.Context, q store.Querier) error {
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			if r.m.Dialect().IsDataError(err) {
				return fmt.Errorf("%w: %v", ErrInvalidField, err)
			}
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: %s", ErrMemberNotFound, usn)
		}
		updated, err = getMember(ctx, q, usn)
		return err
	})
	if err != nil {
		return Member{}, fmt.Errorf("update member %s: %w", usn, err)
	}
	r.Invalidate()
	return updated, nil
}

// Delete removes a member and their closed visit history. A member with an
// open visit cannot be deleted.
func (r *Registry) Delete(ctx context.Context, usn string) error {
	usn = attendance.NormalizeUSN(usn)
	err := r.m.WithTransaction(ctx, func(ctx context.Context, q store.Querier) error {
		if _, err := getMember(ctx, q, usn); err != nil {
			return err
		}
		var open int
		if err := q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM visits WHERE member_usn = $1 AND exit_time IS NULL`, usn,
		).Scan(&open); err != nil {
			return err
		}
		if open > 0 {
			return ErrMemberHasOpenVisit
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM visits WHERE member_usn = $1`, usn); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, `DELETE FROM members WHERE usn = $1`, usn)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete member %s: %w", usn, err)
	}
	r.Invalidate()
	r.log.Info().Str("usn", usn).Msg("member deleted")
	return nil
}

// AdvanceTerms moves every member below the final semester up by one and
// returns how many were changed.
func (r *Registry) AdvanceTerms(ctx context.Context) (int64, error) {
	var n int64
	err := r.m.WithTransaction(ctx, func(ctx context.Context, q store.Querier) error {
		res, err := q.ExecContext(ctx,
			`UPDATE members SET semester = semester + 1, updated_at = $1 WHERE semester < $2`,
			r.now(), MaxSemester)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("advance terms: %w", err)
	}
	r.Invalidate()
	r.log.Info().Int64("advanced", n).Msg("semesters advanced")
	return n, nil
}

func trimOptional(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}
