package attendance_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libattend/internal/attendance"
)

func (f *fixture) visit(t *testing.T, usn string, at time.Time, minutes int) {
	t.Helper()
	ctx := context.Background()
	f.clock.Set(at)
	_, err := f.ledger.CheckIn(ctx, attendance.CheckInRequest{USN: usn})
	require.NoError(t, err)
	if minutes < 0 {
		return
	}
	f.clock.Set(at.Add(time.Duration(minutes) * time.Minute))
	_, err = f.ledger.CheckOut(ctx, usn, "")
	require.NoError(t, err)
}

func TestReportingReads(t *testing.T) {
	f := newFixture(t, attendance.TagFilter)
	ctx := context.Background()
	f.seedMember(t, "1AB21CS001", "CSE", 3)
	f.seedMember(t, "1AB21EC002", "ECE", 5)
	f.seedMember(t, "1AB21ME003", "MECH", 5)

	yesterday := base.Add(-24 * time.Hour)
	f.visit(t, "1AB21CS001", yesterday, 30)
	f.visit(t, "1AB21CS001", base.Add(time.Hour), 20)
	f.visit(t, "1AB21EC002", base.Add(2*time.Hour), 40)
	f.visit(t, "1AB21ME003", base.Add(3*time.Hour), -1)

	start, end := attendance.DayBounds(base, time.UTC)
	today, err := f.ledger.ListByDateRange(ctx, start, end)
	require.NoError(t, err)
	require.Len(t, today, 3)
	assert.Equal(t, "1AB21ME003", today[0].USN)

	_, err = f.ledger.ListByDateRange(ctx, end, start)
	require.ErrorIs(t, err, attendance.ErrInvalidRequest)

	recent, err := f.ledger.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "1AB21EC002", recent[1].USN)

	st, err := f.ledger.Stats(ctx, base.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalMembers)
	assert.Equal(t, 1, st.ActiveVisits)
	assert.Equal(t, 3, st.TodayVisits)
	assert.InDelta(t, 30.0, st.AverageMinutesToday, 0.001)
	assert.Len(t, st.Departments, 3)
	assert.Equal(t, []attendance.Bucket{{Label: "3", Count: 1}, {Label: "5", Count: 2}}, st.Semesters)

	n, err := f.ledger.PurgeClosedVisits(ctx, base)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	history, err := f.ledger.History(ctx, "1AB21CS001")
	require.NoError(t, err)
	require.Len(t, history, 1)

	// Open visits survive any cutoff.
	n, err = f.ledger.PurgeClosedVisits(ctx, base.Add(48*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	open, err := f.ledger.ListOpenVisits(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestDayBoundsUsesLocation(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	start, end := attendance.DayBounds(time.Date(2024, 3, 4, 20, 0, 0, 0, time.UTC), ist)
	assert.Equal(t, time.Date(2024, 3, 4, 18, 30, 0, 0, time.UTC), start)
	assert.Equal(t, 24*time.Hour, end.Sub(start))
}
