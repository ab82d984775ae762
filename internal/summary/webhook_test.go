package summary_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libattend/internal/attendance"
	"libattend/internal/queue"
	"libattend/internal/summary"
)

type captured struct {
	mu     sync.Mutex
	bodies []map[string]json.RawMessage
}

func (c *captured) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var body map[string]json.RawMessage
			_ = json.NewDecoder(r.Body).Decode(&body)
			c.mu.Lock()
			c.bodies = append(c.bodies, body)
			c.mu.Unlock()
		}
		w.WriteHeader(status)
	}
}

func TestWebhookSinkPostsEnvelopes(t *testing.T) {
	var c captured
	srv := httptest.NewServer(c.handler(http.StatusNoContent))
	defer srv.Close()

	sink := summary.NewWebhookSink(srv.URL)
	ctx := context.Background()
	require.NoError(t, sink.Health(ctx))
	require.NoError(t, sink.Deliver(ctx, summary.Summary{Date: "2024-03-10", TotalVisits: 4}))

	msg, err := queue.NewMessage(attendance.EventCheckedOut, time.Now(), attendance.VisitEvent{USN: "1RV21CS001"})
	require.NoError(t, err)
	require.NoError(t, sink.Notify(ctx, msg))

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.bodies, 2)
	assert.JSONEq(t, `"daily_summary"`, string(c.bodies[0]["kind"]))
	var sum summary.Summary
	require.NoError(t, json.Unmarshal(c.bodies[0]["summary"], &sum))
	assert.Equal(t, 4, sum.TotalVisits)
	assert.JSONEq(t, `"visit_event"`, string(c.bodies[1]["kind"]))
}

func TestWebhookSinkReportsFailures(t *testing.T) {
	var c captured
	srv := httptest.NewServer(c.handler(http.StatusBadGateway))
	defer srv.Close()

	sink := summary.NewWebhookSink(srv.URL)
	err := sink.Deliver(context.Background(), summary.Summary{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Error(t, sink.Health(context.Background()))
}
