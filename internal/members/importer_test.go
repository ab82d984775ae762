package members_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libattend/internal/members"
	"libattend/internal/store"
	"libattend/internal/store/storetest"
)

func validRecords(n int) []members.Record {
	recs := make([]members.Record, 0, n)
	for i := 1; i <= n; i++ {
		recs = append(recs, members.Record{
			USN:        fmt.Sprintf("1AB21CS%03d", i),
			Name:       fmt.Sprintf("Student %d", i),
			Department: "CSE",
			Semester:   1 + i%8,
			Email:      fmt.Sprintf("s%d@example.edu", i),
		})
	}
	return recs
}

func TestImportBatchIsolatesMalformedRecords(t *testing.T) {
	reg, m := newRegistry(t, members.Options{})
	im := members.NewImporter(m, reg, zerolog.Nop())
	ctx := context.Background()

	// Warm the cache so the import's invalidation is observable.
	assert.Empty(t, reg.Search(ctx, "1ab21"))

	recs := validRecords(10)
	recs = append(recs[:5], append([]members.Record{
		{USN: "1AB21CS901", Name: "Bad Semester", Department: "CSE", Semester: 9},
		{USN: "1AB21CS902", Name: "", Department: "CSE", Semester: 2},
	}, recs[5:]...)...)

	res, err := im.ImportBatch(ctx, recs)
	require.NoError(t, err)
	assert.Equal(t, 12, res.TotalCount)
	assert.Equal(t, 10, res.SuccessCount)
	assert.Equal(t, 2, res.FailureCount)
	assert.Equal(t, res.TotalCount, res.SuccessCount+res.FailureCount)
	require.Len(t, res.Failed, 2)
	for _, f := range res.Failed {
		assert.ErrorIs(t, f.Err, store.ErrConstraintViolation)
		assert.NotEmpty(t, f.Error)
	}
	assert.Equal(t, "1AB21CS901", res.Failed[0].USN)
	for _, s := range res.Successful {
		assert.Equal(t, members.ActionInserted, s.Action)
	}
	assert.Equal(t, 10, storetest.Count(t, m, `SELECT COUNT(*) FROM members`))
	assert.Len(t, reg.Search(ctx, "1ab21"), 10)
}

func TestImportBatchUpdatesExisting(t *testing.T) {
	reg, m := newRegistry(t, members.Options{})
	im := members.NewImporter(m, reg, zerolog.Nop())
	ctx := context.Background()

	_, err := im.ImportBatch(ctx, validRecords(3))
	require.NoError(t, err)

	recs := validRecords(4)
	recs[0].Name = "Renamed"
	res, err := im.ImportBatch(ctx, recs)
	require.NoError(t, err)
	assert.Equal(t, []members.Success{
		{USN: "1AB21CS001", Action: members.ActionUpdated},
		{USN: "1AB21CS002", Action: members.ActionUpdated},
		{USN: "1AB21CS003", Action: members.ActionUpdated},
		{USN: "1AB21CS004", Action: members.ActionInserted},
	}, res.Successful)

	got, err := reg.Get(ctx, "1AB21CS001")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
}

func TestImportBatchInfrastructureFailureRollsBack(t *testing.T) {
	_, m := newRegistry(t, members.Options{})
	im := members.NewImporter(m, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := im.ImportBatch(ctx, validRecords(5))
	require.ErrorIs(t, err, store.ErrInfrastructure)
	assert.Zero(t, storetest.Count(t, m, `SELECT COUNT(*) FROM members`))
}

func TestImportBatchRejectsOversizedBatch(t *testing.T) {
	_, m := newRegistry(t, members.Options{})
	im := members.NewImporter(m, nil, zerolog.Nop())

	_, err := im.ImportBatch(context.Background(), make([]members.Record, members.MaxBatchSize+1))
	require.ErrorIs(t, err, members.ErrBatchTooLarge)
}

func TestImportEmptyBatch(t *testing.T) {
	_, m := newRegistry(t, members.Options{})
	im := members.NewImporter(m, nil, zerolog.Nop())

	res, err := im.ImportBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, res.TotalCount)
	assert.NotNil(t, res.Successful)
	assert.NotNil(t, res.Failed)
}
