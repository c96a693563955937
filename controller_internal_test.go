// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ibft

import (
	"testing"

	"github.com/luxfi/ibft/testutil"

	"github.com/stretchr/testify/require"
)

// A timer fire is one-shot: if it were dropped because inbound messages
// filled the event queue, nothing would re-arm it. It must travel on its own
// lane.
func TestTimeoutBypassesFullEventQueue(t *testing.T) {
	l := testutil.MakeLogger(t, 0)
	l.Silence()

	c := &Controller{
		logger:        l,
		events:        make(chan event, 1),
		timeoutEvents: make(chan View, timeoutBacklog),
		closed:        make(chan struct{}),
	}
	c.events <- event{}

	c.enqueue(event{message: &inboundMessage{}})
	require.Len(t, c.events, 1)

	v := View{Height: 1, Round: 2}
	c.enqueueTimeout(v)

	select {
	case got := <-c.timeoutEvents:
		require.Equal(t, v, got)
	default:
		t.Fatal("timeout fire was not enqueued")
	}
}
