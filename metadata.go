// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ibft

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const (
	viewHeightLen = 8
	viewRoundLen  = 4

	viewLen = viewHeightLen + viewRoundLen

	headerVersionLen = 1
	headerDigestLen  = 32
	headerPrevLen    = 32

	blockHeaderLen = headerVersionLen + viewLen + headerDigestLen + headerPrevLen
)

// View identifies a single agreement attempt: the height of the block being
// decided and the round of the attempt within that height.
type View struct {
	// Height is the position in the finalized chain the block is proposed for.
	Height uint64
	// Round is the attempt number within the height. It increases each time
	// a round fails to finalize in time.
	Round uint32
}

// Compare orders views lexicographically by (height, round),
// returning -1, 0 or 1.
func (v View) Compare(o View) int {
	if v.Height != o.Height {
		if v.Height < o.Height {
			return -1
		}
		return 1
	}
	if v.Round != o.Round {
		if v.Round < o.Round {
			return -1
		}
		return 1
	}
	return 0
}

func (v View) Equals(o View) bool {
	return v.Height == o.Height && v.Round == o.Round
}

// NextRound returns the view of the next round at the same height.
func (v View) NextRound() View {
	return View{Height: v.Height, Round: v.Round + 1}
}

func (v View) String() string {
	return fmt.Sprintf("%d/%d", v.Height, v.Round)
}

func (v View) Bytes() []byte {
	buff := make([]byte, viewLen)
	binary.BigEndian.PutUint64(buff, v.Height)
	binary.BigEndian.PutUint32(buff[viewHeightLen:], v.Round)
	return buff
}

func (v *View) FromBytes(buff []byte) error {
	if len(buff) != viewLen {
		return fmt.Errorf("invalid buffer length %d, expected %d", len(buff), viewLen)
	}
	v.Height = binary.BigEndian.Uint64(buff)
	v.Round = binary.BigEndian.Uint32(buff[viewHeightLen:])
	return nil
}

// Digest is a collision resistant short representation of a block's bytes.
type Digest [32]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:8])
}

// BlockHeader is the consensus view of a block: where it sits in the chain,
// the round it was proposed in, and the digests binding it to its content
// and its parent.
type BlockHeader struct {
	// Version defines the version of the protocol this block was created with.
	Version uint8
	// View carries the height the block extends the chain at and the round
	// it was proposed in.
	View
	// Digest is the collision resistant short representation of the block's bytes.
	Digest Digest
	// Prev is the digest of the block at the previous height.
	Prev Digest
}

func (bh *BlockHeader) Bytes() []byte {
	buff := make([]byte, blockHeaderLen)
	var pos int

	buff[pos] = bh.Version
	pos += headerVersionLen

	copy(buff[pos:], bh.View.Bytes())
	pos += viewLen

	copy(buff[pos:], bh.Digest[:])
	pos += headerDigestLen

	copy(buff[pos:], bh.Prev[:])

	return buff
}

func (bh *BlockHeader) FromBytes(buff []byte) error {
	if len(buff) != blockHeaderLen {
		return fmt.Errorf("invalid buffer length %d, expected %d", len(buff), blockHeaderLen)
	}

	var pos int

	bh.Version = buff[pos]
	pos += headerVersionLen

	if err := bh.View.FromBytes(buff[pos : pos+viewLen]); err != nil {
		return err
	}
	pos += viewLen

	copy(bh.Digest[:], buff[pos:pos+headerDigestLen])
	pos += headerDigestLen

	copy(bh.Prev[:], buff[pos:pos+headerPrevLen])

	return nil
}
