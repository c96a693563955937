// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ibft_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/ibft"
)

const testHeaderLen = 77

func makeNodes(n int) []ibft.NodeID {
	nodes := make([]ibft.NodeID, 0, n)
	for i := 1; i <= n; i++ {
		nodes = append(nodes, ibft.NodeID{byte(i)})
	}
	return nodes
}

// testSigner produces verifiable but insecure signatures: a hash over the
// signer's identity and the message.
type testSigner struct {
	id ibft.NodeID
}

func (s *testSigner) Sign(msg []byte) ([]byte, error) {
	return testSignature(s.id, msg), nil
}

func testSignature(id ibft.NodeID, msg []byte) []byte {
	h := sha256.New()
	h.Write(id)
	h.Write(msg)
	return h.Sum(nil)
}

type testVerifier struct{}

func (testVerifier) Verify(msg []byte, signature []byte, signer ibft.NodeID) error {
	if !bytes.Equal(signature, testSignature(signer, msg)) {
		return errors.New("signature mismatch")
	}
	return nil
}

func newFactory(node ibft.NodeID) *ibft.MessageFactory {
	return ibft.NewMessageFactory(node, &testSigner{id: node})
}

type testBlock struct {
	header ibft.BlockHeader
	data   []byte
}

func newTestBlock(v ibft.View, prev ibft.Digest, data []byte) *testBlock {
	return &testBlock{
		header: ibft.BlockHeader{
			Version: 1,
			View:    v,
			Digest:  sha256.Sum256(data),
			Prev:    prev,
		},
		data: data,
	}
}

func (b *testBlock) BlockHeader() ibft.BlockHeader {
	return b.header
}

func (b *testBlock) Bytes() []byte {
	return append(b.header.Bytes(), b.data...)
}

type testBlockDeserializer struct{}

func (testBlockDeserializer) DeserializeBlock(buff []byte) (ibft.Block, error) {
	if len(buff) < testHeaderLen {
		return nil, fmt.Errorf("buffer of %d bytes is too short for a block", len(buff))
	}
	block := &testBlock{data: buff[testHeaderLen:]}
	if err := block.header.FromBytes(buff[:testHeaderLen]); err != nil {
		return nil, err
	}
	return block, nil
}

// testComm records everything broadcast and optionally fans it out to the
// rest of a simulated network.
type testComm struct {
	mu      sync.Mutex
	sent    []*ibft.Message
	deliver func(*ibft.Message)
}

func (c *testComm) Broadcast(msg *ibft.Message) {
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	deliver := c.deliver
	c.mu.Unlock()

	if deliver != nil {
		deliver(msg)
	}
}

func (c *testComm) messages() []*ibft.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*ibft.Message{}, c.sent...)
}

// drain returns the messages broadcast since the last call.
func (c *testComm) drain() []*ibft.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	sent := c.sent
	c.sent = nil
	return sent
}

type testChain struct {
	mu     sync.Mutex
	blocks map[uint64]ibft.Block
	certs  map[uint64]ibft.CommitCertificate
	height uint64
	// failAppend makes the next Append return it, once.
	failAppend error
}

func newTestChain() *testChain {
	return &testChain{
		blocks: make(map[uint64]ibft.Block),
		certs:  make(map[uint64]ibft.CommitCertificate),
	}
}

func (c *testChain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

func (c *testChain) Retrieve(height uint64) (ibft.Block, ibft.CommitCertificate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	block, found := c.blocks[height]
	if !found {
		return nil, ibft.CommitCertificate{}, false
	}
	return block, c.certs[height], true
}

func (c *testChain) Append(block ibft.Block, certificate ibft.CommitCertificate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failAppend != nil {
		err := c.failAppend
		c.failAppend = nil
		return err
	}

	height := block.BlockHeader().View.Height
	if _, finalized := c.blocks[height]; finalized {
		return ibft.ErrAlreadyFinalized
	}
	if height != c.height+1 {
		return ibft.ErrInvalidExtension
	}

	c.blocks[height] = block
	c.certs[height] = certificate
	c.height = height
	return nil
}

// waitForHeight polls until the chain reaches [height], invoking [pump]
// between polls to keep simulated time and message delivery moving.
func (c *testChain) waitForHeight(height uint64, pump func()) bool {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if c.Height() >= height {
			return true
		}
		if pump != nil {
			pump()
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

// testBuilder builds a deterministic block extending the given parent.
// A silent builder blocks until cancelled, simulating a proposer that fails
// to produce.
type testBuilder struct {
	silent bool
}

func (b *testBuilder) BuildBlock(ctx context.Context, parent ibft.BlockHeader, v ibft.View) (ibft.Block, bool) {
	if b.silent {
		<-ctx.Done()
		return nil, false
	}
	return newTestBlock(v, parent.Digest, v.Bytes()), true
}

type testValidatorSource struct {
	nodes       []ibft.NodeID
	epochLength uint64
	// rotate shifts the set order by one position per epoch, so epoch
	// boundaries are observable through proposer selection.
	rotate bool

	mu      sync.Mutex
	queried []uint64
}

func (s *testValidatorSource) ValidatorsAt(height uint64) []ibft.NodeID {
	s.mu.Lock()
	s.queried = append(s.queried, height)
	s.mu.Unlock()

	if !s.rotate {
		return s.nodes
	}
	epoch := height / s.EpochLength()
	n := uint64(len(s.nodes))
	rotated := make([]ibft.NodeID, 0, n)
	for i := uint64(0); i < n; i++ {
		rotated = append(rotated, s.nodes[(i+epoch)%n])
	}
	return rotated
}

// queries returns the heights ValidatorsAt was asked about so far.
func (s *testValidatorSource) queries() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64{}, s.queried...)
}

func (s *testValidatorSource) EpochLength() uint64 {
	if s.epochLength == 0 {
		return 100
	}
	return s.epochLength
}

type equivocationReport struct {
	view     ibft.View
	offender ibft.NodeID
}

type testReporter struct {
	mu       sync.Mutex
	reported []equivocationReport
}

func (r *testReporter) ReportEquivocation(v ibft.View, offender ibft.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported = append(r.reported, equivocationReport{view: v, offender: offender})
}

func (r *testReporter) reports() []equivocationReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]equivocationReport{}, r.reported...)
}
