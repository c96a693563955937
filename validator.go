// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ibft

import (
	"bytes"
	"errors"
	"fmt"
)

// Rejection reasons. Every failed validation wraps one of these; callers drop
// the message and may report the reason, but never treat it as fatal.
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnknownSigner    = errors.New("signer is not in the validator set")
	ErrWrongView        = errors.New("message view does not match the expected view")
	ErrNotProposer      = errors.New("proposal signed by a validator that is not the round's proposer")
	ErrInvalidSeal      = errors.New("invalid commit seal")
	ErrHeaderMismatch   = errors.New("signed header does not match the block")
	ErrProposerPrepare  = errors.New("prepare from the proposer, whose agreement is implicit")
	ErrBadCertificate   = errors.New("invalid certificate")
)

// MessageValidator authenticates inbound messages against the validator set
// of one height. Validation never mutates engine state.
type MessageValidator struct {
	logger     Logger
	verifier   SignatureVerifier
	nodes      []NodeID
	membership map[string]struct{}
	quorum     int
}

func NewMessageValidator(logger Logger, verifier SignatureVerifier, nodes []NodeID) *MessageValidator {
	membership := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		membership[string(node)] = struct{}{}
	}

	return &MessageValidator{
		logger:     logger,
		verifier:   verifier,
		nodes:      nodes,
		membership: membership,
		quorum:     Quorum(len(nodes)),
	}
}

func (mv *MessageValidator) isMember(node NodeID) bool {
	_, known := mv.membership[string(node)]
	return known
}

// ValidateProposal checks a proposal against the view it claims to be for:
// the signer must be that view's proposer, the signature must cover the
// block's actual header, and the view must match exactly. No silent height
// or round coercion.
func (mv *MessageValidator) ValidateProposal(p *Proposal, expected View) error {
	if !p.Proposal.View.Equals(expected) {
		return fmt.Errorf("%w: got %s, expected %s", ErrWrongView, p.Proposal.View, expected)
	}

	signer := p.Signature.Signer
	if !mv.isMember(signer) {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, signer)
	}

	if !ProposerForView(mv.nodes, expected).Equals(signer) {
		return fmt.Errorf("%w: %s at %s", ErrNotProposer, signer, expected)
	}

	header := p.Block.BlockHeader()
	if !bytes.Equal(header.Bytes(), p.Proposal.BlockHeader.Bytes()) {
		return ErrHeaderMismatch
	}

	if err := p.Proposal.Verify(p.Signature.Value, mv.verifier, signer); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	return nil
}

// ValidatePrepare checks a prepare vote against the expected view.
func (mv *MessageValidator) ValidatePrepare(p *Prepare, expected View) error {
	if !p.Prepare.View.Equals(expected) {
		return fmt.Errorf("%w: got %s, expected %s", ErrWrongView, p.Prepare.View, expected)
	}

	signer := p.Signature.Signer
	if !mv.isMember(signer) {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, signer)
	}

	// The proposer's agreement is carried by its proposal signature.
	if ProposerForView(mv.nodes, expected).Equals(signer) {
		return ErrProposerPrepare
	}

	if err := p.Prepare.Verify(p.Signature.Value, mv.verifier, signer); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	return nil
}

// ValidateCommit checks a commit vote, including its detached commit seal.
func (mv *MessageValidator) ValidateCommit(c *Commit, expected View) error {
	if !c.Commit.View.Equals(expected) {
		return fmt.Errorf("%w: got %s, expected %s", ErrWrongView, c.Commit.View, expected)
	}

	signer := c.Signature.Signer
	if !mv.isMember(signer) {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, signer)
	}

	if err := c.Commit.Verify(c.Signature.Value, mv.verifier, signer); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	if err := VerifyCommitSeal(mv.verifier, c.Commit.Digest, c.CommitSeal, signer); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSeal, err)
	}

	return nil
}

// ValidateRoundChange checks a round-change vote for the given height. The
// target round is the sender's choice, but a prepared claim must be justified
// by a valid certificate from an earlier round of the same height.
func (mv *MessageValidator) ValidateRoundChange(rc *RoundChange, height uint64) error {
	target := rc.RoundChange.View
	if target.Height != height {
		return fmt.Errorf("%w: round change for height %d, expected %d", ErrWrongView, target.Height, height)
	}

	signer := rc.Signature.Signer
	if !mv.isMember(signer) {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, signer)
	}

	if err := rc.RoundChange.Verify(rc.Signature.Value, mv.verifier, signer); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	if rc.RoundChange.Prepared != (rc.Prepared != nil) {
		return fmt.Errorf("%w: prepared flag does not match the piggybacked certificate", ErrBadCertificate)
	}

	if rc.Prepared != nil {
		preparedView := rc.Prepared.View()
		if preparedView.Height != height || preparedView.Round >= target.Round {
			return fmt.Errorf("%w: prepared certificate view %s does not precede target %s",
				ErrBadCertificate, preparedView, target)
		}
		if rc.RoundChange.PreparedRound != preparedView.Round || rc.RoundChange.PreparedDigest != rc.Prepared.Digest() {
			return fmt.Errorf("%w: signed prepared claim does not match the certificate", ErrBadCertificate)
		}
		if err := mv.ValidatePreparedCertificate(rc.Prepared); err != nil {
			return err
		}
	}

	return nil
}

// ValidatePreparedCertificate checks that a certificate proves prepared state:
// a valid proposal for its view, and at least Quorum-1 valid prepare votes on
// its digest from distinct non-proposer validators.
func (mv *MessageValidator) ValidatePreparedCertificate(pc *PreparedCertificate) error {
	view := pc.View()
	if err := mv.ValidateProposal(&pc.Proposal, view); err != nil {
		return fmt.Errorf("%w: proposal: %w", ErrBadCertificate, err)
	}

	seen := make(map[string]struct{}, len(pc.Prepares))
	for i := range pc.Prepares {
		prepare := &pc.Prepares[i]
		if prepare.Prepare.Digest != pc.Digest() {
			return fmt.Errorf("%w: prepare digest mismatch", ErrBadCertificate)
		}
		if err := mv.ValidatePrepare(prepare, view); err != nil {
			return fmt.Errorf("%w: prepare: %w", ErrBadCertificate, err)
		}
		signer := string(prepare.Signature.Signer)
		if _, dup := seen[signer]; dup {
			return fmt.Errorf("%w: %w", ErrBadCertificate, ErrDuplicateSigner)
		}
		seen[signer] = struct{}{}
	}

	// The proposer's implicit agreement counts as the +1.
	if len(seen)+1 < mv.quorum {
		return fmt.Errorf("%w: %w: %d prepares for quorum %d",
			ErrBadCertificate, ErrInsufficientVote, len(seen), mv.quorum)
	}

	return nil
}

// ValidateRoundChangeCertificate checks that a certificate proves a quorum of
// distinct validators voted to move to [target].
func (mv *MessageValidator) ValidateRoundChangeCertificate(rcc *RoundChangeCertificate, target View) error {
	if len(rcc.RoundChanges) == 0 {
		return fmt.Errorf("%w: %w", ErrBadCertificate, ErrNoVotes)
	}

	seen := make(map[string]struct{}, len(rcc.RoundChanges))
	for i := range rcc.RoundChanges {
		rc := &rcc.RoundChanges[i]
		if !rc.RoundChange.View.Equals(target) {
			return fmt.Errorf("%w: round change targets %s, expected %s",
				ErrBadCertificate, rc.RoundChange.View, target)
		}
		if err := mv.ValidateRoundChange(rc, target.Height); err != nil {
			return fmt.Errorf("%w: round change: %w", ErrBadCertificate, err)
		}
		signer := string(rc.Signature.Signer)
		if _, dup := seen[signer]; dup {
			return fmt.Errorf("%w: %w", ErrBadCertificate, ErrDuplicateSigner)
		}
		seen[signer] = struct{}{}
	}

	if len(seen) < mv.quorum {
		return fmt.Errorf("%w: %w: %d round changes for quorum %d",
			ErrBadCertificate, ErrInsufficientVote, len(seen), mv.quorum)
	}

	return nil
}

// ValidateNewRound checks the aggregate new-round message: the certificate
// justifies the target round, the proposal is valid for it, and when the
// certificate carries a prepared block the proposal reuses its digest.
func (mv *MessageValidator) ValidateNewRound(nr *NewRound, height uint64) error {
	target := nr.Proposal.Proposal.View
	if target.Height != height {
		return fmt.Errorf("%w: new round for height %d, expected %d", ErrWrongView, target.Height, height)
	}
	if target.Round == 0 {
		return fmt.Errorf("%w: new round message for round 0", ErrBadCertificate)
	}

	if err := mv.ValidateRoundChangeCertificate(&nr.Certificate, target); err != nil {
		return err
	}

	if err := mv.ValidateProposal(&nr.Proposal, target); err != nil {
		return err
	}

	if prepared := nr.Certificate.HighestPrepared(); prepared != nil {
		if nr.Proposal.Proposal.BlockHeader.Digest != prepared.Digest() {
			return fmt.Errorf("%w: proposal does not reuse the prepared block %s",
				ErrBadCertificate, prepared.Digest())
		}
	}

	return nil
}
