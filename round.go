// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ibft

import (
	"errors"

	"go.uber.org/zap"
)

var (
	ErrProposalExists = errors.New("a proposal was already accepted this round")
	ErrRoundTerminal  = errors.New("round is in a terminal phase")
	ErrEquivocation   = errors.New("conflicting vote from the same validator")
)

type Phase uint8

const (
	// PhasePending: no proposal accepted yet.
	PhasePending Phase = iota
	// PhaseProposed: a proposal was accepted, prepare votes are being counted.
	PhaseProposed
	// PhasePrepared: a prepared certificate formed, commit votes are being counted.
	PhasePrepared
	// PhaseCommitted: a commit certificate formed. Terminal success.
	PhaseCommitted
	// PhaseAbandoned: the height moved to a later round. Terminal.
	PhaseAbandoned
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseProposed:
		return "proposed"
	case PhasePrepared:
		return "prepared"
	case PhaseCommitted:
		return "committed"
	case PhaseAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// RoundState accumulates the proposal and votes of a single (height, round)
// and derives quorum certificates once thresholds are met. It is owned
// exclusively by one HeightManager and is never accessed concurrently.
type RoundState struct {
	logger Logger
	view   View
	quorum int

	phase    Phase
	proposal *Proposal
	prepares map[string]*Prepare // NodeID --> prepare
	commits  map[string]*Commit  // NodeID --> commit
	flagged  map[string]struct{} // equivocating senders, votes no longer counted

	prepared  *PreparedCertificate
	committed *CommitCertificate
}

func NewRoundState(logger Logger, view View, quorum int) *RoundState {
	return &RoundState{
		logger:   logger,
		view:     view,
		quorum:   quorum,
		phase:    PhasePending,
		prepares: make(map[string]*Prepare),
		commits:  make(map[string]*Commit),
		flagged:  make(map[string]struct{}),
	}
}

func (rs *RoundState) View() View {
	return rs.view
}

func (rs *RoundState) Phase() Phase {
	return rs.phase
}

func (rs *RoundState) Proposal() *Proposal {
	return rs.proposal
}

// PreparedCertificate returns the certificate formed when the round reached
// prepared state, or nil. Once formed it never changes.
func (rs *RoundState) PreparedCertificate() *PreparedCertificate {
	return rs.prepared
}

// CommitCertificate returns the certificate formed when the round reached
// commit quorum, or nil.
func (rs *RoundState) CommitCertificate() *CommitCertificate {
	return rs.committed
}

// Equivocators returns the senders whose conflicting votes were rejected
// this round.
func (rs *RoundState) Equivocators() []NodeID {
	res := make([]NodeID, 0, len(rs.flagged))
	for node := range rs.flagged {
		res = append(res, NodeID(node))
	}
	return res
}

// SetProposal accepts the round's single proposal. Only one proposal is ever
// accepted; the digest it carries is the only digest votes count toward.
func (rs *RoundState) SetProposal(p *Proposal) error {
	if rs.phase == PhaseCommitted || rs.phase == PhaseAbandoned {
		return ErrRoundTerminal
	}
	if rs.proposal != nil {
		return ErrProposalExists
	}

	rs.proposal = p
	rs.phase = PhaseProposed
	rs.logger.Debug("Accepted proposal",
		zap.Stringer("view", rs.view),
		zap.Stringer("digest", p.Proposal.BlockHeader.Digest),
		zap.Stringer("proposer", p.Signature.Signer))
	return nil
}

// AddPrepare records a prepare vote keyed by sender. Duplicate identical
// votes are no-ops; a conflicting vote from a sender that already voted is
// rejected with ErrEquivocation and the sender is flagged. Votes may arrive
// before the proposal; they are counted once it lands.
func (rs *RoundState) AddPrepare(p *Prepare) error {
	if rs.phase == PhaseCommitted || rs.phase == PhaseAbandoned {
		return ErrRoundTerminal
	}

	sender := string(p.Signature.Signer)
	if _, isFlagged := rs.flagged[sender]; isFlagged {
		return ErrEquivocation
	}

	if existing, voted := rs.prepares[sender]; voted {
		if existing.Prepare.Digest == p.Prepare.Digest {
			return nil
		}
		rs.flag(p.Signature.Signer)
		delete(rs.prepares, sender)
		return ErrEquivocation
	}

	rs.prepares[sender] = p
	return nil
}

// AddCommit records a commit vote keyed by sender, with the same
// equivocation policy as AddPrepare.
func (rs *RoundState) AddCommit(c *Commit) error {
	if rs.phase == PhaseCommitted || rs.phase == PhaseAbandoned {
		return ErrRoundTerminal
	}

	sender := string(c.Signature.Signer)
	if _, isFlagged := rs.flagged[sender]; isFlagged {
		return ErrEquivocation
	}

	if existing, voted := rs.commits[sender]; voted {
		if existing.Commit.Digest == c.Commit.Digest {
			return nil
		}
		rs.flag(c.Signature.Signer)
		delete(rs.commits, sender)
		return ErrEquivocation
	}

	rs.commits[sender] = c
	return nil
}

func (rs *RoundState) flag(sender NodeID) {
	rs.logger.Warn("Flagged validator for equivocation",
		zap.Stringer("view", rs.view),
		zap.Stringer("NodeID", sender))
	rs.flagged[string(sender)] = struct{}{}
}

// TryPrepare forms the prepared certificate and transitions to PhasePrepared
// once Quorum-1 prepares match the proposal's digest, the proposer's implicit
// agreement counting as the +1. Returns the certificate exactly once, on the
// transition; nil otherwise.
func (rs *RoundState) TryPrepare() *PreparedCertificate {
	if rs.phase != PhaseProposed {
		return nil
	}

	if rs.countVotes(rs.proposal.Proposal.BlockHeader.Digest) < rs.quorum-1 {
		return nil
	}

	cert, err := NewPreparedCertificate(rs.logger, *rs.proposal, rs.prepares)
	if err != nil {
		rs.logger.Error("Failed forming prepared certificate", zap.Error(err))
		return nil
	}

	rs.prepared = &cert
	rs.phase = PhasePrepared
	rs.logger.Info("Round prepared",
		zap.Stringer("view", rs.view),
		zap.Stringer("digest", cert.Digest()),
		zap.Int("prepares", len(cert.Prepares)))
	return rs.prepared
}

// TryCommit forms the commit certificate and transitions to PhaseCommitted
// once Quorum commits match the proposal's digest. A round may commit without
// having locally prepared, since commit quorum can be observed before our own
// prepare quorum. Returns the certificate exactly once, on the transition.
func (rs *RoundState) TryCommit() *CommitCertificate {
	if rs.phase != PhaseProposed && rs.phase != PhasePrepared {
		return nil
	}

	digest := rs.proposal.Proposal.BlockHeader.Digest
	count := 0
	for _, commit := range rs.commits {
		if commit.Commit.Digest == digest {
			count++
		}
	}
	if count < rs.quorum {
		return nil
	}

	cert, err := NewCommitCertificate(rs.logger, *rs.proposal, rs.commits)
	if err != nil {
		rs.logger.Error("Failed forming commit certificate", zap.Error(err))
		return nil
	}

	rs.committed = &cert
	rs.phase = PhaseCommitted
	rs.logger.Info("Round committed",
		zap.Stringer("view", rs.view),
		zap.Stringer("digest", cert.Digest()),
		zap.Int("commits", len(cert.Commits)))
	return rs.committed
}

func (rs *RoundState) countVotes(digest Digest) int {
	count := 0
	for _, prepare := range rs.prepares {
		if prepare.Prepare.Digest == digest {
			count++
		}
	}
	return count
}

// Abandon marks the round terminal because the height moved past it.
// Abandoning a committed round is a no-op.
func (rs *RoundState) Abandon() {
	if rs.phase == PhaseCommitted {
		return
	}
	rs.phase = PhaseAbandoned
}
