// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ibft

import "fmt"

// MessageFactory constructs the signed messages the local validator emits.
// Serialization of each payload is deterministic, so repeated construction
// of the same logical message yields the same signed bytes.
type MessageFactory struct {
	id     NodeID
	signer Signer
}

func NewMessageFactory(id NodeID, signer Signer) *MessageFactory {
	return &MessageFactory{
		id:     id,
		signer: signer,
	}
}

// Proposal signs the header of [block] as a proposal for [v].
func (f *MessageFactory) Proposal(v View, block Block) (*Message, error) {
	proposal := ToBeSignedProposal{View: v, BlockHeader: block.BlockHeader()}
	sig, err := proposal.Sign(f.signer)
	if err != nil {
		return nil, fmt.Errorf("failed signing proposal: %w", err)
	}

	return &Message{
		ProposalMessage: &Proposal{
			Block:     block,
			Proposal:  proposal,
			Signature: Signature{Signer: f.id, Value: sig},
		},
	}, nil
}

// Prepare signs a prepare vote for [digest] at [v].
func (f *MessageFactory) Prepare(v View, digest Digest) (*Message, error) {
	prepare := ToBeSignedPrepare{View: v, Digest: digest}
	sig, err := prepare.Sign(f.signer)
	if err != nil {
		return nil, fmt.Errorf("failed signing prepare: %w", err)
	}

	return &Message{
		PrepareMessage: &Prepare{
			Prepare:   prepare,
			Signature: Signature{Signer: f.id, Value: sig},
		},
	}, nil
}

// Commit signs a commit vote for [digest] at [v], along with the detached
// commit seal over the digest.
func (f *MessageFactory) Commit(v View, digest Digest) (*Message, error) {
	commit := ToBeSignedCommit{View: v, Digest: digest}
	sig, err := commit.Sign(f.signer)
	if err != nil {
		return nil, fmt.Errorf("failed signing commit: %w", err)
	}

	seal, err := SignCommitSeal(f.signer, digest)
	if err != nil {
		return nil, fmt.Errorf("failed signing commit seal: %w", err)
	}

	return &Message{
		CommitMessage: &Commit{
			Commit:     commit,
			Signature:  Signature{Signer: f.id, Value: sig},
			CommitSeal: seal,
		},
	}, nil
}

// RoundChange signs a round-change vote targeting [target], carrying
// [prepared] as justification when the local node saw a round prepare.
func (f *MessageFactory) RoundChange(target View, prepared *PreparedCertificate) (*Message, error) {
	rc := ToBeSignedRoundChange{View: target}
	if prepared != nil {
		rc.Prepared = true
		rc.PreparedRound = prepared.View().Round
		rc.PreparedDigest = prepared.Digest()
	}

	sig, err := rc.Sign(f.signer)
	if err != nil {
		return nil, fmt.Errorf("failed signing round change: %w", err)
	}

	return &Message{
		RoundChangeMessage: &RoundChange{
			RoundChange: rc,
			Signature:   Signature{Signer: f.id, Value: sig},
			Prepared:    prepared,
		},
	}, nil
}

// NewRound wraps a freshly signed proposal for [block] at [v] together with
// the round-change certificate justifying the new round.
func (f *MessageFactory) NewRound(v View, certificate RoundChangeCertificate, block Block) (*Message, error) {
	proposalMsg, err := f.Proposal(v, block)
	if err != nil {
		return nil, err
	}

	return &Message{
		NewRoundMessage: &NewRound{
			Certificate: certificate,
			Proposal:    *proposalMsg.ProposalMessage,
		},
	}, nil
}
