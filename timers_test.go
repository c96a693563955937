// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ibft_test

import (
	"testing"
	"time"

	"github.com/luxfi/ibft"
	"github.com/luxfi/ibft/testutil"

	"github.com/stretchr/testify/require"
)

func expectFire(t *testing.T, fired chan string, id string) {
	select {
	case got := <-fired:
		require.Equal(t, id, got)
	case <-time.After(10 * time.Second):
		require.FailNow(t, "timed out waiting for task %s", id)
	}
}

func expectSilence(t *testing.T, fired chan string) {
	select {
	case got := <-fired:
		require.FailNow(t, "unexpected task fire", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimeoutHandlerFiresInOrder(t *testing.T) {
	l := testutil.MakeLogger(t, 0)
	l.Silence()
	start := time.Now()
	handler := ibft.NewTimeoutHandler(l, start)
	defer handler.Close()

	fired := make(chan string, 8)
	add := func(id string, after time.Duration) {
		handler.AddTask(&ibft.TimeoutTask{
			ID:       id,
			Deadline: start.Add(after),
			Task:     func() { fired <- id },
		})
	}
	add("second", 2*time.Second)
	add("first", time.Second)

	handler.Tick(start.Add(500 * time.Millisecond))
	expectSilence(t, fired)

	handler.Tick(start.Add(time.Second))
	expectFire(t, fired, "first")
	expectSilence(t, fired)

	handler.Tick(start.Add(3 * time.Second))
	expectFire(t, fired, "second")
}

func TestTimeoutHandlerRemoveAndDedup(t *testing.T) {
	l := testutil.MakeLogger(t, 0)
	l.Silence()
	start := time.Now()
	handler := ibft.NewTimeoutHandler(l, start)
	defer handler.Close()

	fired := make(chan string, 8)
	handler.AddTask(&ibft.TimeoutTask{
		ID:       "task",
		Deadline: start.Add(time.Second),
		Task:     func() { fired <- "kept" },
	})
	// a second task with the same ID is dropped
	handler.AddTask(&ibft.TimeoutTask{
		ID:       "task",
		Deadline: start.Add(time.Second),
		Task:     func() { fired <- "duplicate" },
	})
	handler.AddTask(&ibft.TimeoutTask{
		ID:       "removed",
		Deadline: start.Add(time.Second),
		Task:     func() { fired <- "removed" },
	})
	handler.RemoveTask("removed")

	handler.Tick(start.Add(2 * time.Second))
	expectFire(t, fired, "kept")
	expectSilence(t, fired)
}

func TestTimeoutHandlerIgnoresBackwardsTicks(t *testing.T) {
	l := testutil.MakeLogger(t, 0)
	l.Silence()
	start := time.Now()
	handler := ibft.NewTimeoutHandler(l, start)
	defer handler.Close()

	fired := make(chan string, 1)
	handler.AddTask(&ibft.TimeoutTask{
		ID:       "task",
		Deadline: start.Add(time.Second),
		Task:     func() { fired <- "task" },
	})

	handler.Tick(start.Add(2 * time.Second))
	expectFire(t, fired, "task")

	// time never goes backwards
	handler.Tick(start.Add(time.Second))
	require.False(t, handler.GetTime().Before(start.Add(2*time.Second)))
}
