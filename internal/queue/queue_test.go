package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libattend/internal/queue"
)

func TestNewMessageEncodesBody(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("IST", 19800))
	msg, err := queue.NewMessage("visit.checked_in", at, map[string]string{"usn": "1AB21CS001"})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, time.UTC, msg.At.Location())
	var body map[string]string
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	assert.Equal(t, "1AB21CS001", body["usn"])
}

func TestInMemoryDeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := queue.NewInMemory(4)

	for _, typ := range []string{"a", "b", "c"} {
		require.NoError(t, q.Publish(ctx, queue.Message{Type: typ}))
	}
	ch, err := q.Consume(ctx)
	require.NoError(t, err)

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case msg := <-ch:
			got = append(got, msg.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestInMemoryPublishRespectsContext(t *testing.T) {
	q := queue.NewInMemory(1)
	require.NoError(t, q.Publish(context.Background(), queue.Message{Type: "first"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Publish(ctx, queue.Message{Type: "second"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInMemoryConsumeClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := queue.NewInMemory(1)
	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("consumer channel not closed")
	}
}
