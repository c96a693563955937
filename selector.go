// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ibft

// Quorum returns the minimum number of validator votes that certify a step
// for a validator set of size n, namely floor(2n/3) + 1.
func Quorum(n int) int {
	return 2*n/3 + 1
}

// FaultTolerance returns the maximum number of Byzantine validators a set of
// size n withstands, namely floor((n-1)/3).
func FaultTolerance(n int) int {
	return (n - 1) / 3
}

// ProposerForView returns the validator expected to propose at the given view.
// It round-robins through the validator set starting at a height-derived
// offset, advancing by one validator per round.
//
// Every honest node must compute the same proposer for the same arguments;
// the function is pure and must stay that way.
func ProposerForView(nodes []NodeID, v View) NodeID {
	n := uint64(len(nodes))
	return nodes[(v.Height+uint64(v.Round))%n]
}
