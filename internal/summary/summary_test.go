package summary_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libattend/internal/attendance"
	"libattend/internal/queue"
	"libattend/internal/summary"
)

type stubSource struct {
	from, to time.Time
	visits   []attendance.VisitWithMember
	err      error
}

func (s *stubSource) ListByDateRange(_ context.Context, from, to time.Time) ([]attendance.VisitWithMember, error) {
	s.from, s.to = from, to
	return s.visits, s.err
}

func visit(usn, dept string, minutes *int) attendance.VisitWithMember {
	v := attendance.VisitWithMember{Department: dept}
	v.USN = usn
	if minutes != nil {
		exit := time.Now()
		v.ExitTime = &exit
		v.DurationMinutes = minutes
	}
	return v
}

func ptr(n int) *int { return &n }

func TestBuild(t *testing.T) {
	src := &stubSource{visits: []attendance.VisitWithMember{
		visit("1AB21CS001", "CSE", ptr(30)),
		visit("1AB21CS001", "CSE", ptr(15)),
		visit("1AB21EC001", "ECE", ptr(45)),
		visit("1AB21ME001", "MECH", nil),
	}}
	ist := time.FixedZone("IST", 5*3600+1800)
	b := summary.NewBuilder(src, ist)

	s, err := b.Build(context.Background(), time.Date(2024, 3, 4, 20, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05", s.Date)
	assert.Equal(t, time.Date(2024, 3, 4, 18, 30, 0, 0, time.UTC), src.from)
	assert.Equal(t, 4, s.TotalVisits)
	assert.Equal(t, 1, s.OpenVisits)
	assert.Equal(t, 3, s.UniqueMembers)
	assert.Equal(t, 90, s.TotalMinutes)
	assert.Equal(t, []attendance.Bucket{
		{Label: "CSE", Count: 2},
		{Label: "ECE", Count: 1},
		{Label: "MECH", Count: 1},
	}, s.ByDepartment)
}

func TestBuildPropagatesErrors(t *testing.T) {
	b := summary.NewBuilder(&stubSource{err: errors.New("db down")}, nil)
	_, err := b.Build(context.Background(), time.Now())
	assert.Error(t, err)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := summary.LogSink{Log: zerolog.New(&buf)}
	ctx := context.Background()

	require.NoError(t, sink.Deliver(ctx, summary.Summary{Date: "2024-03-04", TotalVisits: 3}))
	assert.Contains(t, buf.String(), `"date":"2024-03-04"`)

	msg, err := queue.NewMessage(attendance.EventCheckedOut, time.Now(), attendance.VisitEvent{VisitID: 7, USN: "1AB21CS001", DurationMinutes: ptr(42)})
	require.NoError(t, err)
	require.NoError(t, sink.Notify(ctx, msg))
	assert.Contains(t, buf.String(), `"minutes":42`)

	assert.Error(t, sink.Notify(ctx, queue.Message{ID: "x", Type: "visit.checked_in", Body: []byte("{")}))
}
