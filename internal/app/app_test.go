package app_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libattend/internal/app"
	"libattend/internal/attendance"
	"libattend/internal/config"
	"libattend/internal/members"
)

func loadConfig(t *testing.T, env map[string]string) *config.App {
	t.Helper()
	base := map[string]string{
		"DB_DRIVER":     "sqlite",
		"DATABASE_URL":  filepath.Join(t.TempDir(), "library.db"),
		"QUEUE_BACKEND": "memory",
		"SUMMARY_TZ":    "Asia/Kolkata",
	}
	for k, v := range env {
		base[k] = v
	}
	cfg, err := config.LoadWith(context.Background(), envconfig.MapLookuper(base))
	require.NoError(t, err)
	return cfg
}

func TestOpenWiresLedgerToQueue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := loadConfig(t, nil)
	svc, err := app.Open(ctx, cfg, zerolog.Nop(), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	assert.Equal(t, "Asia/Kolkata", svc.Location.String())
	assert.Nil(t, svc.Redis)

	_, err = svc.Members.Create(ctx, members.Member{USN: "1RV21CS001", Name: "Asha", Department: "CSE", Semester: 3})
	require.NoError(t, err)
	_, err = svc.Ledger.CheckIn(ctx, attendance.CheckInRequest{USN: "1RV21CS001"})
	require.NoError(t, err)

	msgs, err := svc.Queue.Consume(ctx)
	require.NoError(t, err)
	select {
	case msg := <-msgs:
		assert.Equal(t, attendance.EventCheckedIn, msg.Type)
	case <-ctx.Done():
		t.Fatal("no event published")
	}
}

func TestOpenWithoutQueue(t *testing.T) {
	cfg := loadConfig(t, nil)
	svc, err := app.Open(context.Background(), cfg, zerolog.Nop(), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	assert.Nil(t, svc.Queue)

	_, err = svc.Members.Create(context.Background(), members.Member{USN: "1RV21CS001", Name: "Asha", Department: "CSE", Semester: 3})
	require.NoError(t, err)
	_, err = svc.Ledger.CheckIn(context.Background(), attendance.CheckInRequest{USN: "1RV21CS001"})
	require.NoError(t, err)
}

func TestOpenRejectsUnknownTimezone(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"SUMMARY_TZ": "Mars/Olympus"})
	_, err := app.Open(context.Background(), cfg, zerolog.Nop(), false)
	require.Error(t, err)
}

func TestStoreConfig(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"DB_MAX_CONNS": "7", "DB_DEDICATED_FAIL_FAST": "true"})
	sc := app.StoreConfig(cfg.DB)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, 7, sc.MaxConns)
	assert.True(t, sc.DedicatedFailFast)
	assert.Equal(t, cfg.DB.DrainGrace, sc.DrainGrace)
}
