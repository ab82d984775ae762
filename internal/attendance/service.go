package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"libattend/internal/metrics"
	"libattend/internal/queue"
	"libattend/internal/store"
	"libattend/internal/validation"
)

// Publisher receives visit events after their transaction commits.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Invalidator is notified when a check-in registers a new member.
type Invalidator interface {
	Invalidate()
}

// Options configures a Ledger. Zero values select the defaults.
type Options struct {
	Policy      TagPolicy
	Clock       func() time.Time
	Location    *time.Location
	Publisher   Publisher
	Invalidator Invalidator
}

// Ledger records visits. It guarantees at most one open visit per member.
type Ledger struct {
	m        *store.Manager
	repo     *Repository
	policy   TagPolicy
	clock    func() time.Time
	loc      *time.Location
	pub      Publisher
	inv      Invalidator
	validate *validator.Validate
	log      zerolog.Logger
}

// NewLedger creates a ledger backed by m.
func NewLedger(m *store.Manager, opts Options, log zerolog.Logger) *Ledger {
	if opts.Policy == "" {
		opts.Policy = TagFilter
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Ledger{
		m:        m,
		repo:     NewRepository(m.Dialect()),
		policy:   opts.Policy,
		clock:    opts.Clock,
		loc:      opts.Location,
		pub:      opts.Publisher,
		inv:      opts.Invalidator,
		validate: validation.New(),
		log:      log.With().Str("component", "ledger").Logger(),
	}
}

// now is the single timestamp source for entry and exit times.
func (l *Ledger) now() time.Time {
	return l.clock().UTC().Truncate(time.Microsecond)
}

// CheckIn opens a visit for req.USN. An unknown member is registered from
// req.Registration when present, otherwise ErrMemberNotFound is returned.
func (l *Ledger) CheckIn(ctx context.Context, req CheckInRequest) (Visit, error) {
	usn := NormalizeUSN(req.USN)
	if usn == "" {
		return Visit{}, fmt.Errorf("%w: usn is required", ErrInvalidRequest)
	}
	if req.Registration != nil {
		if err := l.validate.Var(usn, "usn"); err != nil {
			return Visit{}, fmt.Errorf("%w: usn must be 10 uppercase letters or digits", ErrInvalidRequest)
		}
		if err := l.validate.Struct(req.Registration); err != nil {
			return Visit{}, fmt.Errorf("%w: %s", ErrInvalidRequest, validation.Message(err))
		}
	}

	var (
		visit      Visit
		registered bool
	)
	err := l.m.WithTransaction(ctx, func(ctx context.Context, q store.Querier) error {
		now := l.now()
		semester, err := l.repo.MemberSemester(ctx, q, usn)
		if errors.Is(err, sql.ErrNoRows) {
			if req.Registration == nil {
				return ErrMemberNotFound
			}
			if err := l.repo.RegisterMember(ctx, q, usn, *req.Registration, now); err != nil {
				return fmt.Errorf("register member: %w", err)
			}
			if semester, err = l.repo.MemberSemester(ctx, q, usn); err != nil {
				return fmt.Errorf("read registered member: %w", err)
			}
			registered = true
		} else if err != nil {
			return fmt.Errorf("lookup member: %w", err)
		}

		open, err := l.repo.HasOpenVisit(ctx, q, usn)
		if err != nil {
			return fmt.Errorf("lookup open visit: %w", err)
		}
		if open {
			return ErrAlreadyCheckedIn
		}

		visit, err = l.repo.InsertVisit(ctx, q, Visit{
			USN:         usn,
			ResourceTag: optionalString(req.ResourceTag),
			EntryTime:   now,
			Semester:    semester,
		})
		if err != nil {
			if l.m.Dialect().IsUniqueViolation(err) {
				return ErrAlreadyCheckedIn
			}
			return fmt.Errorf("insert visit: %w", err)
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyCheckedIn):
			metrics.CheckIns.WithLabelValues("already_checked_in").Inc()
		case errors.Is(err, ErrMemberNotFound):
			metrics.CheckIns.WithLabelValues("member_not_found").Inc()
		default:
			metrics.CheckIns.WithLabelValues("error").Inc()
			l.log.Error().Err(err).Str("usn", usn).Msg("check-in failed")
		}
		return Visit{}, err
	}

	if registered {
		metrics.CheckIns.WithLabelValues("registered").Inc()
		if l.inv != nil {
			l.inv.Invalidate()
		}
	} else {
		metrics.CheckIns.WithLabelValues("ok").Inc()
	}
	l.log.Info().Str("usn", usn).Int64("visit_id", visit.ID).Bool("registered", registered).Msg("checked in")
	l.publish(ctx, EventCheckedIn, eventFor(visit, registered))
	return visit, nil
}

// CheckOut closes the member's most recent open visit selected by the ledger's tag policy.
func (l *Ledger) CheckOut(ctx context.Context, usn, resourceTag string) (Visit, error) {
	usn = NormalizeUSN(usn)
	if usn == "" {
		return Visit{}, fmt.Errorf("%w: usn is required", ErrInvalidRequest)
	}
	tag := ""
	if t := optionalString(resourceTag); t != nil {
		tag = *t
	}

	var visit Visit
	err := l.m.WithTransaction(ctx, func(ctx context.Context, q store.Querier) error {
		v, err := l.repo.LatestOpenVisit(ctx, q, usn, tag, l.policy)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoActiveVisit
		}
		if err != nil {
			return fmt.Errorf("lookup open visit: %w", err)
		}

		exit := l.now()
		if exit.Before(v.EntryTime) {
			exit = v.EntryTime
		}
		minutes := int(exit.Sub(v.EntryTime) / time.Minute)

		closed, err := l.repo.CloseVisit(ctx, q, v.ID, exit, minutes)
		if err != nil {
			return fmt.Errorf("close visit: %w", err)
		}
		if !closed {
			return ErrNoActiveVisit
		}
		v.ExitTime = &exit
		v.DurationMinutes = &minutes
		visit = v
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNoActiveVisit) {
			metrics.CheckOuts.WithLabelValues("no_active_visit").Inc()
		} else {
			metrics.CheckOuts.WithLabelValues("error").Inc()
			l.log.Error().Err(err).Str("usn", usn).Msg("check-out failed")
		}
		return Visit{}, err
	}

	metrics.CheckOuts.WithLabelValues("ok").Inc()
	metrics.VisitDuration.Observe(float64(*visit.DurationMinutes))
	l.log.Info().Str("usn", usn).Int64("visit_id", visit.ID).Int("minutes", *visit.DurationMinutes).Msg("checked out")
	l.publish(ctx, EventCheckedOut, eventFor(visit, false))
	return visit, nil
}

// publish is best effort: the visit is already committed.
func (l *Ledger) publish(ctx context.Context, typ string, evt VisitEvent) {
	if l.pub == nil {
		return
	}
	msg, err := queue.NewMessage(typ, l.now(), evt)
	if err != nil {
		l.log.Warn().Err(err).Str("type", typ).Msg("encode visit event")
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := l.pub.Publish(pctx, msg); err != nil {
		l.log.Warn().Err(err).Str("type", typ).Int64("visit_id", evt.VisitID).Msg("publish visit event")
	}
}
