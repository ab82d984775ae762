// Package summary builds the end-of-day visit report and hands it to a Sink.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"libattend/internal/attendance"
	"libattend/internal/queue"
)

// Source is the part of the ledger the report reads.
type Source interface {
	ListByDateRange(ctx context.Context, from, to time.Time) ([]attendance.VisitWithMember, error)
}

// Summary is one calendar day of visits.
type Summary struct {
	Date          string                       `json:"date"`
	From          time.Time                    `json:"from"`
	To            time.Time                    `json:"to"`
	TotalVisits   int                          `json:"total_visits"`
	OpenVisits    int                          `json:"open_visits"`
	UniqueMembers int                          `json:"unique_members"`
	TotalMinutes  int                          `json:"total_minutes"`
	ByDepartment  []attendance.Bucket          `json:"by_department"`
	Visits        []attendance.VisitWithMember `json:"visits"`
}

// Sink delivers summaries and live visit events.
type Sink interface {
	Deliver(ctx context.Context, s Summary) error
	Notify(ctx context.Context, msg queue.Message) error
}

// Builder assembles summaries in a fixed time zone.
type Builder struct {
	src Source
	loc *time.Location
}

// NewBuilder returns a builder; a nil loc means UTC.
func NewBuilder(src Source, loc *time.Location) *Builder {
	if loc == nil {
		loc = time.UTC
	}
	return &Builder{src: src, loc: loc}
}

// Build summarises the calendar day containing day.
func (b *Builder) Build(ctx context.Context, day time.Time) (Summary, error) {
	from, to := attendance.DayBounds(day, b.loc)
	visits, err := b.src.ListByDateRange(ctx, from, to)
	if err != nil {
		return Summary{}, fmt.Errorf("build summary: %w", err)
	}

	s := Summary{
		Date:   from.In(b.loc).Format(time.DateOnly),
		From:   from,
		To:     to,
		Visits: visits,
	}
	members := make(map[string]struct{})
	depts := make(map[string]int)
	for _, v := range visits {
		s.TotalVisits++
		members[v.USN] = struct{}{}
		depts[v.Department]++
		if v.Open() {
			s.OpenVisits++
		} else if v.DurationMinutes != nil {
			s.TotalMinutes += *v.DurationMinutes
		}
	}
	s.UniqueMembers = len(members)
	s.ByDepartment = make([]attendance.Bucket, 0, len(depts))
	for d, n := range depts {
		s.ByDepartment = append(s.ByDepartment, attendance.Bucket{Label: d, Count: n})
	}
	sort.Slice(s.ByDepartment, func(i, j int) bool {
		if s.ByDepartment[i].Count != s.ByDepartment[j].Count {
			return s.ByDepartment[i].Count > s.ByDepartment[j].Count
		}
		return s.ByDepartment[i].Label < s.ByDepartment[j].Label
	})
	return s, nil
}

// LogSink writes summaries and events to the structured log.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Deliver(_ context.Context, sum Summary) error {
	s.Log.Info().
		Str("date", sum.Date).
		Int("visits", sum.TotalVisits).
		Int("open", sum.OpenVisits).
		Int("members", sum.UniqueMembers).
		Int("minutes", sum.TotalMinutes).
		Interface("departments", sum.ByDepartment).
		Msg("daily summary")
	return nil
}

func (s LogSink) Notify(_ context.Context, msg queue.Message) error {
	var evt attendance.VisitEvent
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return fmt.Errorf("decode %s event %s: %w", msg.Type, msg.ID, err)
	}
	ev := s.Log.Info().
		Str("event_id", msg.ID).
		Str("type", msg.Type).
		Str("usn", evt.USN).
		Int64("visit_id", evt.VisitID)
	if evt.DurationMinutes != nil {
		ev = ev.Int("minutes", *evt.DurationMinutes)
	}
	ev.Msg("visit event")
	return nil
}
