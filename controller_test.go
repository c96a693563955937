// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ibft_test

import (
	"sync"
	"testing"
	"time"

	"github.com/luxfi/ibft"
	"github.com/luxfi/ibft/testutil"
	"github.com/luxfi/ibft/wal"

	"github.com/stretchr/testify/require"
)

type networkNode struct {
	id         ibft.NodeID
	controller *ibft.Controller
	chain      *testChain
	comm       *testComm
	wal        *wal.InMemWAL
}

// testNetwork wires controllers together: every broadcast is delivered to
// all other nodes.
type testNetwork struct {
	t       *testing.T
	nodes   []*networkNode
	sources []*testValidatorSource
	start   time.Time
	clock   time.Time
}

type networkOptions struct {
	// silent lists node indices that never produce a block when proposing.
	silent []int
	// epochLength and rotate configure every node's validator source.
	epochLength uint64
	rotate      bool
}

func newTestNetwork(t *testing.T, n int, opts networkOptions) *testNetwork {
	ids := makeNodes(n)
	start := time.Now()
	net := &testNetwork{t: t, start: start, clock: start}

	for i := 0; i < n; i++ {
		net.nodes = append(net.nodes, &networkNode{
			id:    ids[i],
			chain: newTestChain(),
			comm:  &testComm{},
			wal:   wal.NewMemWAL(),
		})
		net.sources = append(net.sources, &testValidatorSource{
			nodes:       ids,
			epochLength: opts.epochLength,
			rotate:      opts.rotate,
		})
	}

	for i, node := range net.nodes {
		from := node.id
		node.comm.deliver = func(msg *ibft.Message) {
			for _, other := range net.nodes {
				if other.id.Equals(from) {
					continue
				}
				other.controller.HandleMessage(msg, from)
			}
		}

		builder := &testBuilder{}
		for _, s := range opts.silent {
			if s == i {
				builder.silent = true
			}
		}

		l := testutil.MakeLogger(t, i)
		l.Silence()
		controller, err := ibft.NewController(ibft.Config{
			Logger:            l,
			ID:                node.id,
			Signer:            &testSigner{id: node.id},
			Verifier:          testVerifier{},
			Validators:        net.sources[i],
			Comm:              node.comm,
			WAL:               node.wal,
			BlockBuilder:      builder,
			BlockDeserializer: testBlockDeserializer{},
			Chain:             node.chain,
			Reporter:          &testReporter{},
			StartTime:         start,
			RoundTimeout:      10 * time.Second,
		})
		require.NoError(t, err)
		node.controller = controller
	}
	return net
}

func (net *testNetwork) startAll() {
	for _, node := range net.nodes {
		require.NoError(net.t, node.controller.Start())
		net.t.Cleanup(node.controller.Close)
	}
}

// advance moves simulated time forward on every node.
func (net *testNetwork) advance(d time.Duration) {
	net.clock = net.clock.Add(d)
	for _, node := range net.nodes {
		node.controller.AdvanceTime(net.clock)
	}
}

func (net *testNetwork) waitForHeight(height uint64, pump func()) {
	for _, node := range net.nodes {
		require.True(net.t, node.chain.waitForHeight(height, pump),
			"node %s did not reach height %d", node.id, height)
	}
}

func TestControllerFinalizesHeights(t *testing.T) {
	net := newTestNetwork(t, 4, networkOptions{})
	net.startAll()

	net.waitForHeight(3, nil)

	// every node finalized the same block at every height
	for height := uint64(1); height <= 3; height++ {
		reference, _, found := net.nodes[0].chain.Retrieve(height)
		require.True(t, found)
		for _, node := range net.nodes[1:] {
			block, _, found := node.chain.Retrieve(height)
			require.True(t, found)
			require.Equal(t, reference.BlockHeader().Digest, block.BlockHeader().Digest)
		}
	}
}

func TestControllerRoundChange(t *testing.T) {
	// the proposer of height 1, round 0 is node index (1+0)%4 = 1
	net := newTestNetwork(t, 4, networkOptions{silent: []int{1}})
	net.startAll()

	// nothing can finalize until the round times out
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, net.nodes[0].chain.Height())

	net.waitForHeight(1, func() { net.advance(time.Second) })

	// round 1's proposer built the finalized block
	block, _, found := net.nodes[0].chain.Retrieve(1)
	require.True(t, found)
	require.Equal(t, uint32(1), block.BlockHeader().View.Round)
}

func TestControllerDiscardsStaleAndFarFuture(t *testing.T) {
	net := newTestNetwork(t, 4, networkOptions{})
	net.startAll()
	net.waitForHeight(1, nil)

	node := net.nodes[0]
	digest := ibft.Digest{1}

	// stale: height 1 is finalized everywhere
	stale, err := newFactory(net.nodes[1].id).Prepare(ibft.View{Height: 1}, digest)
	require.NoError(t, err)
	node.controller.HandleMessage(stale, net.nodes[1].id)

	// far future: beyond the buffering window
	future, err := newFactory(net.nodes[1].id).Prepare(ibft.View{Height: 1000}, digest)
	require.NoError(t, err)
	node.controller.HandleMessage(future, net.nodes[1].id)

	// the engine keeps finalizing regardless
	net.waitForHeight(3, nil)
}

// A controller starting with write-ahead log records for an already
// finalized height discards them and resumes at the chain tip.
func TestControllerDiscardsStaleWAL(t *testing.T) {
	nodes := makeNodes(4)
	chain := newTestChain()
	require.NoError(t, chain.Append(
		newTestBlock(ibft.View{Height: 1}, ibft.Digest{}, []byte{1}), ibft.CommitCertificate{}))

	staleWAL := wal.NewMemWAL()
	msg, err := newFactory(nodes[0]).RoundChange(ibft.View{Height: 1, Round: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, staleWAL.Append(ibft.NewRoundChangeRecord(&msg.RoundChangeMessage.RoundChange)))

	l := testutil.MakeLogger(t, 0)
	l.Silence()
	controller, err := ibft.NewController(ibft.Config{
		Logger:            l,
		ID:                nodes[0],
		Signer:            &testSigner{id: nodes[0]},
		Verifier:          testVerifier{},
		Validators:        &testValidatorSource{nodes: nodes},
		Comm:              &testComm{},
		WAL:               staleWAL,
		BlockBuilder:      &testBuilder{},
		BlockDeserializer: testBlockDeserializer{},
		Chain:             chain,
		Reporter:          &testReporter{},
		StartTime:         time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, controller.Start())
	t.Cleanup(controller.Close)

	require.Equal(t, ibft.View{Height: 2}, controller.Metadata())
	records, err := staleWAL.ReadAll()
	require.NoError(t, err)
	require.Empty(t, records)
}

// The validator source is consulted once per epoch, and the set it returns at
// a boundary drives proposer selection from then on.
func TestControllerEpochBoundary(t *testing.T) {
	net := newTestNetwork(t, 4, networkOptions{epochLength: 2, rotate: true})
	net.startAll()

	net.waitForHeight(4, nil)

	// with the epoch-1 set rotated by one, node 0 proposes height 3
	var proposed bool
	for _, msg := range net.nodes[0].comm.messages() {
		if msg.ProposalMessage != nil && msg.ProposalMessage.Proposal.View.Height == 3 {
			proposed = true
		}
	}
	require.True(t, proposed)

	// heights 1..4 span epochs 0, 1, 1, 2: three queries, not four
	require.Equal(t, []uint64{1, 2, 4}, net.sources[0].queries())
}

func TestControllerMetadataConcurrent(t *testing.T) {
	net := newTestNetwork(t, 4, networkOptions{})
	net.startAll()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				_ = net.nodes[0].controller.Metadata()
			}
		}
	}()

	net.waitForHeight(3, nil)
	close(done)
	wg.Wait()

	require.GreaterOrEqual(t, net.nodes[0].controller.Metadata().Height, uint64(4))
}

func TestControllerEmptyValidatorSet(t *testing.T) {
	l := testutil.MakeLogger(t, 0)
	l.Silence()
	controller, err := ibft.NewController(ibft.Config{
		Logger:            l,
		ID:                ibft.NodeID{1},
		Signer:            &testSigner{id: ibft.NodeID{1}},
		Verifier:          testVerifier{},
		Validators:        &testValidatorSource{},
		Comm:              &testComm{},
		WAL:               wal.NewMemWAL(),
		BlockBuilder:      &testBuilder{},
		BlockDeserializer: testBlockDeserializer{},
		Chain:             newTestChain(),
		Reporter:          &testReporter{},
		StartTime:         time.Now(),
	})
	require.NoError(t, err)
	t.Cleanup(controller.Close)

	require.Error(t, controller.Start())
}
