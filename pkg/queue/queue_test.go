package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type liveSet map[string]bool

func (s liveSet) Live(id string) bool { return s[id] }

func TestSendAndDrainFIFO(t *testing.T) {
	q := New(liveSet{"R": true, "C1": true})

	for i := 0; i < 3; i++ {
		_, err := q.Send("C1", "R", fmt.Sprintf("finding %d", i), TypeInformation)
		require.NoError(t, err)
	}

	msgs := q.DrainPending("R")
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("finding %d", i), m.Content)
		assert.Equal(t, "C1", m.From)
		assert.Equal(t, TypeInformation, m.Type)
		assert.NotEmpty(t, m.ID)
	}

	assert.Empty(t, q.DrainPending("R"), "second drain must return nothing")
}

func TestSendUnknownRecipientLeavesQueuesUntouched(t *testing.T) {
	q := New(liveSet{"R": true})
	_, err := q.Send("R", "R", "hello self", TypeQuery)
	require.NoError(t, err)

	before := q.Len("R")
	_, err = q.Send("R", "ghost", "anyone there", TypeQuery)
	require.ErrorIs(t, err, ErrRecipientNotFound)
	assert.Equal(t, before, q.Len("R"))
	assert.Zero(t, q.Len("ghost"))
}

func TestSendRejectsInvalidType(t *testing.T) {
	q := New(liveSet{"R": true})
	_, err := q.Send("x", "R", "hi", Type("gossip"))
	require.ErrorIs(t, err, ErrInvalidType)
	assert.Zero(t, q.Len("R"))
}

func TestWaitForMessageTimeout(t *testing.T) {
	q := New(liveSet{"R": true})

	start := time.Now()
	_, err := q.WaitForMessage(context.Background(), "R", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitForMessageDeliversConcurrentSend(t *testing.T) {
	q := New(liveSet{"R": true, "C1": true})

	// A message enqueued shortly after the wait starts must always reach the
	// waiter: no lost wakeup.
	for i := 0; i < 20; i++ {
		errCh := make(chan error, 1)
		got := make(chan Message, 1)
		go func() {
			m, err := q.WaitForMessage(context.Background(), "R", 2*time.Second)
			if err != nil {
				errCh <- err
				return
			}
			got <- m
		}()

		time.Sleep(time.Duration(i%5) * 10 * time.Millisecond)
		_, err := q.Send("C1", "R", "found X", TypeInformation)
		require.NoError(t, err)

		select {
		case m := <-got:
			assert.Equal(t, "found X", m.Content)
		case err := <-errCh:
			t.Fatalf("round %d: wait failed: %v", i, err)
		case <-time.After(3 * time.Second):
			t.Fatalf("round %d: waiter never woke up", i)
		}
	}
}

func TestWaitForMessageConsumesExactlyOnce(t *testing.T) {
	q := New(liveSet{"R": true, "C1": true})
	_, err := q.Send("C1", "R", "only one", TypeInformation)
	require.NoError(t, err)

	m, err := q.WaitForMessage(context.Background(), "R", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "only one", m.Content)
	assert.Zero(t, q.Len("R"))
	assert.Empty(t, q.DrainPending("R"))
}

func TestWaitForMessageHonorsContext(t *testing.T) {
	q := New(liveSet{"R": true})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := q.WaitForMessage(ctx, "R", 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
}
