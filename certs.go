// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ibft

import (
	"bytes"
	"errors"
	"slices"

	"go.uber.org/zap"
)

var (
	ErrNoVotes          = errors.New("no votes to certify")
	ErrDigestMismatch   = errors.New("votes disagree on the block digest")
	ErrViewMismatch     = errors.New("votes disagree on the view")
	ErrDuplicateSigner  = errors.New("the same validator signed twice")
	ErrInsufficientVote = errors.New("not enough votes for a quorum")
)

// PreparedCertificate proves that a round reached prepared state: the signed
// proposal plus at least Quorum-1 prepare votes on its digest. The proposer's
// own signature on the proposal stands in for its prepare vote.
type PreparedCertificate struct {
	Proposal Proposal
	Prepares []Prepare
}

// NewPreparedCertificate builds a PreparedCertificate for [proposal] from the
// prepare votes collected this round. Only votes matching the proposal's
// digest are included.
func NewPreparedCertificate(logger Logger, proposal Proposal, prepares map[string]*Prepare) (PreparedCertificate, error) {
	digest := proposal.Proposal.BlockHeader.Digest

	collected := make([]Prepare, 0, len(prepares))
	for _, prepare := range prepares {
		if prepare.Prepare.Digest != digest {
			continue
		}
		logger.Debug("Collected prepare from validator",
			zap.Stringer("NodeID", prepare.Signature.Signer),
			zap.Stringer("view", prepare.Prepare.View))
		collected = append(collected, *prepare)
	}

	if len(collected) == 0 {
		return PreparedCertificate{}, ErrNoVotes
	}

	// sort the votes by signer to ensure consistent ordering
	slices.SortFunc(collected, func(i, j Prepare) int {
		return bytes.Compare(i.Signature.Signer, j.Signature.Signer)
	})

	return PreparedCertificate{
		Proposal: proposal,
		Prepares: collected,
	}, nil
}

// View returns the view the certificate was formed in.
func (pc *PreparedCertificate) View() View {
	return pc.Proposal.Proposal.View
}

// Digest returns the block digest the certificate prepared.
func (pc *PreparedCertificate) Digest() Digest {
	return pc.Proposal.Proposal.BlockHeader.Digest
}

// CommitCertificate proves finalization of a block: the signed proposal plus
// at least Quorum commit votes, each carrying a commit seal over the digest.
// This is the BFT quorum proof embedded alongside the finalized block.
type CommitCertificate struct {
	Proposal Proposal
	Commits  []Commit
}

// NewCommitCertificate builds a CommitCertificate for [proposal] from the
// commit votes collected this round.
func NewCommitCertificate(logger Logger, proposal Proposal, commits map[string]*Commit) (CommitCertificate, error) {
	digest := proposal.Proposal.BlockHeader.Digest

	collected := make([]Commit, 0, len(commits))
	for _, commit := range commits {
		if commit.Commit.Digest != digest {
			continue
		}
		logger.Debug("Collected commit from validator",
			zap.Stringer("NodeID", commit.Signature.Signer),
			zap.Stringer("view", commit.Commit.View))
		collected = append(collected, *commit)
	}

	if len(collected) == 0 {
		return CommitCertificate{}, ErrNoVotes
	}

	slices.SortFunc(collected, func(i, j Commit) int {
		return bytes.Compare(i.Signature.Signer, j.Signature.Signer)
	})

	return CommitCertificate{
		Proposal: proposal,
		Commits:  collected,
	}, nil
}

func (cc *CommitCertificate) View() View {
	return cc.Proposal.Proposal.View
}

func (cc *CommitCertificate) Digest() Digest {
	return cc.Proposal.Proposal.BlockHeader.Digest
}

// RoundChangeCertificate proves that a quorum of validators voted to move to
// the same target round. It carries forward the highest prepared certificate
// any of them observed, which constrains what the next proposer may propose.
type RoundChangeCertificate struct {
	RoundChanges []RoundChange
}

// NewRoundChangeCertificate builds a RoundChangeCertificate for the target
// view from the round-change votes collected for it.
func NewRoundChangeCertificate(roundChanges map[string]*RoundChange) (RoundChangeCertificate, error) {
	if len(roundChanges) == 0 {
		return RoundChangeCertificate{}, ErrNoVotes
	}

	collected := make([]RoundChange, 0, len(roundChanges))
	for _, rc := range roundChanges {
		collected = append(collected, *rc)
	}

	slices.SortFunc(collected, func(i, j RoundChange) int {
		return bytes.Compare(i.Signature.Signer, j.Signature.Signer)
	})

	return RoundChangeCertificate{RoundChanges: collected}, nil
}

// TargetView returns the view the certificate's votes move to.
func (rcc *RoundChangeCertificate) TargetView() View {
	return rcc.RoundChanges[0].RoundChange.View
}

// HighestPrepared returns the prepared certificate with the highest round
// among those piggybacked on the round-change votes, or nil if no sender was
// prepared. The next proposal must reuse its block.
func (rcc *RoundChangeCertificate) HighestPrepared() *PreparedCertificate {
	var highest *PreparedCertificate
	for i := range rcc.RoundChanges {
		prepared := rcc.RoundChanges[i].Prepared
		if prepared == nil {
			continue
		}
		if highest == nil || prepared.View().Round > highest.View().Round {
			highest = prepared
		}
	}
	return highest
}
