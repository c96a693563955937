// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ibft

import (
	"bytes"
	"encoding/hex"
)

// NodeID is the address of a validator.
type NodeID []byte

func (node NodeID) Equals(otherNode NodeID) bool {
	return bytes.Equal(node, otherNode)
}

func (node NodeID) String() string {
	return hex.EncodeToString(node)
}

// Signature is a signature over some payload, attributed to the validator
// that produced it.
type Signature struct {
	// Signer is the address of the validator that signed the payload.
	Signer NodeID
	// Value is the signature itself.
	Value []byte
}
