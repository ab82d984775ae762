package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"libattend/internal/store"
	"libattend/internal/store/storetest"
)

func scanString(rows *sql.Rows) (string, error) {
	var s string
	err := rows.Scan(&s)
	return s, err
}

func TestQueryBoundedReturnsRows(t *testing.T) {
	m := storetest.NewManager(t)
	storetest.Exec(t, m, insertMember, "1AB21CS001", "Asha", "CSE", 3)
	storetest.Exec(t, m, insertMember, "1AB21CS002", "Ravi", "ECE", 5)
	r := store.NewBoundedReader(m, time.Second, time.Second)

	got, degraded := store.QueryBounded(context.Background(), r, store.BoundedQuery{
		Name: "names",
		SQL:  "SELECT name FROM members ORDER BY usn",
	}, scanString, nil)
	assert.False(t, degraded)
	assert.Equal(t, []string{"Asha", "Ravi"}, got)
}

func TestQueryBoundedEmptyResultIsNotNil(t *testing.T) {
	m := storetest.NewManager(t)
	r := store.NewBoundedReader(m, time.Second, time.Second)

	got, degraded := store.QueryBounded(context.Background(), r, store.BoundedQuery{
		SQL: "SELECT name FROM members",
	}, scanString, nil)
	assert.False(t, degraded)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestQueryBoundedFallsBackOnError(t *testing.T) {
	m := storetest.NewManager(t)
	r := store.NewBoundedReader(m, time.Second, time.Second)

	got, degraded := store.QueryBounded(context.Background(), r, store.BoundedQuery{
		SQL: "SELECT name FROM no_such_table",
	}, scanString, []string{"fallback"})
	assert.True(t, degraded)
	assert.Equal(t, []string{"fallback"}, got)
}

func TestQueryBoundedFallsBackOnWallClock(t *testing.T) {
	m := storetest.NewManager(t)
	r := store.NewBoundedReader(m, time.Second, 100*time.Millisecond)

	const slow = `
WITH RECURSIVE spin(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM spin WHERE n < 2000000000)
SELECT CAST(MAX(n) AS TEXT) FROM spin`

	start := time.Now()
	got, degraded := store.QueryBounded(context.Background(), r, store.BoundedQuery{Name: "spin", SQL: slow}, scanString, nil)
	assert.True(t, degraded)
	assert.Empty(t, got)
	assert.Less(t, time.Since(start), time.Second)

	// The connection pool stays usable afterwards.
	assert.NoError(t, m.Ping(context.Background()))
}
