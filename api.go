// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ibft

import (
	"context"
	"errors"

	"github.com/luxfi/ibft/record"

	"go.uber.org/zap"
)

type Logger interface {
	// Log that a fatal error has occurred. The program should likely exit soon
	// after this is called
	Fatal(msg string, fields ...zap.Field)
	// Log that an error has occurred. The program should be able to recover
	// from this error
	Error(msg string, fields ...zap.Field)
	// Log that an event has occurred that may indicate a future error or
	// vulnerability
	Warn(msg string, fields ...zap.Field)
	// Log an event that may be useful for a user to see to measure the progress
	// of the protocol
	Info(msg string, fields ...zap.Field)
	// Log an event that may be useful for understanding the order of the
	// execution of the protocol
	Trace(msg string, fields ...zap.Field)
	// Log an event that may be useful for a programmer to see when debuging the
	// execution of the protocol
	Debug(msg string, fields ...zap.Field)
	// Log extremely detailed events that can be useful for inspecting every
	// aspect of the program
	Verbo(msg string, fields ...zap.Field)
}

// Block is a candidate payload for a height. The engine never inspects its
// content; it agrees on the digest and hands the block back on finalization.
type Block interface {
	// BlockHeader is the consensus specific metadata for the block.
	BlockHeader() BlockHeader

	// Bytes returns a byte encoding of the block.
	Bytes() []byte
}

// BlockBuilder constructs candidate blocks. It is invoked once per round the
// local node proposes in, off the consensus goroutine; building may be slow.
type BlockBuilder interface {
	// BuildBlock returns a block extending [parent] for the given view,
	// and true. When the given context is cancelled by the caller,
	// returns false.
	BuildBlock(ctx context.Context, parent BlockHeader, v View) (Block, bool)
}

// BlockDeserializer decodes blocks previously encoded with Block.Bytes,
// used when replaying the write-ahead log.
type BlockDeserializer interface {
	DeserializeBlock(bytes []byte) (Block, error)
}

var (
	// ErrAlreadyFinalized is returned by Chain.Append when a block at that
	// height has already been appended.
	ErrAlreadyFinalized = errors.New("height already finalized")
	// ErrInvalidExtension is returned by Chain.Append when the block does not
	// extend the last appended block.
	ErrInvalidExtension = errors.New("block does not extend the chain")
)

// Chain is the finalized block store the engine appends to.
type Chain interface {
	// Height returns the number of blocks appended so far.
	Height() uint64

	// Retrieve returns the block appended at the given height along with the
	// commit certificate that finalized it, or false if no such block exists.
	Retrieve(height uint64) (Block, CommitCertificate, bool)

	// Append appends a block along with the commit certificate proving its
	// finalization. Returns ErrAlreadyFinalized or ErrInvalidExtension on
	// conflict.
	Append(block Block, certificate CommitCertificate) error
}

// ValidatorSource exposes the validator set the chain derives for each height.
type ValidatorSource interface {
	// ValidatorsAt returns the validator set in effect at the given height,
	// ordered identically across all honest nodes.
	ValidatorsAt(height uint64) []NodeID

	// EpochLength returns the number of heights between validator set
	// recomputations. The set returned by ValidatorsAt is constant within
	// an epoch.
	EpochLength() uint64
}

type Signer interface {
	Sign([]byte) ([]byte, error)
}

type SignatureVerifier interface {
	// Verify returns nil if [signature] over [msg] was produced by [signer].
	Verify(msg []byte, signature []byte, signer NodeID) error
}

type Communication interface {
	// Broadcast broadcasts the given message to all validators.
	Broadcast(msg *Message)
}

type WriteAheadLog interface {
	Append(*record.Record) error
	ReadAll() ([]record.Record, error)
	Truncate() error
}

// EquivocationReporter is notified whenever a validator is caught issuing
// conflicting signed votes for the same view. Implementations typically feed
// peer scoring; the engine itself only drops the offending votes.
type EquivocationReporter interface {
	ReportEquivocation(v View, offender NodeID)
}
