// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ibft

import (
	"encoding/asn1"
	"encoding/binary"
	"fmt"
)

// Message is the union of everything a validator sends during a height.
// Exactly one field is set; dispatch matches on the populated field.
type Message struct {
	ProposalMessage    *Proposal
	PrepareMessage     *Prepare
	CommitMessage      *Commit
	RoundChangeMessage *RoundChange
	NewRoundMessage    *NewRound
}

// View returns the view the populated sub-message refers to.
func (m *Message) View() (View, bool) {
	switch {
	case m.ProposalMessage != nil:
		return m.ProposalMessage.Proposal.View, true
	case m.PrepareMessage != nil:
		return m.PrepareMessage.Prepare.View, true
	case m.CommitMessage != nil:
		return m.CommitMessage.Commit.View, true
	case m.RoundChangeMessage != nil:
		return m.RoundChangeMessage.RoundChange.View, true
	case m.NewRoundMessage != nil:
		return m.NewRoundMessage.Proposal.Proposal.View, true
	default:
		return View{}, false
	}
}

// ToBeSignedProposal binds a block to the view it is proposed in. The view is
// carried separately from the block's header: a block prepared in an earlier
// round is re-proposed unchanged in a later one, so the header keeps the round
// it was built in while the proposal names the round it is offered for.
type ToBeSignedProposal struct {
	View        View
	BlockHeader BlockHeader
}

func (p *ToBeSignedProposal) Bytes() []byte {
	buff := make([]byte, viewLen+blockHeaderLen)
	copy(buff, p.View.Bytes())
	copy(buff[viewLen:], p.BlockHeader.Bytes())
	return buff
}

func (p *ToBeSignedProposal) FromBytes(buff []byte) error {
	if len(buff) != viewLen+blockHeaderLen {
		return fmt.Errorf("invalid buffer length %d, expected %d", len(buff), viewLen+blockHeaderLen)
	}
	if err := p.View.FromBytes(buff[:viewLen]); err != nil {
		return err
	}
	return p.BlockHeader.FromBytes(buff[viewLen:])
}

func (p *ToBeSignedProposal) Sign(signer Signer) ([]byte, error) {
	return signContext(signer, p.Bytes(), "ToBeSignedProposal")
}

func (p *ToBeSignedProposal) Verify(signature []byte, verifier SignatureVerifier, signers NodeID) error {
	return verifyContext(signature, verifier, p.Bytes(), "ToBeSignedProposal", signers)
}

type ToBeSignedPrepare struct {
	View   View
	Digest Digest
}

func (p *ToBeSignedPrepare) Bytes() []byte {
	buff := make([]byte, viewLen+headerDigestLen)
	copy(buff, p.View.Bytes())
	copy(buff[viewLen:], p.Digest[:])
	return buff
}

func (p *ToBeSignedPrepare) FromBytes(buff []byte) error {
	if len(buff) != viewLen+headerDigestLen {
		return fmt.Errorf("invalid buffer length %d, expected %d", len(buff), viewLen+headerDigestLen)
	}
	if err := p.View.FromBytes(buff[:viewLen]); err != nil {
		return err
	}
	copy(p.Digest[:], buff[viewLen:])
	return nil
}

func (p *ToBeSignedPrepare) Sign(signer Signer) ([]byte, error) {
	return signContext(signer, p.Bytes(), "ToBeSignedPrepare")
}

func (p *ToBeSignedPrepare) Verify(signature []byte, verifier SignatureVerifier, signers NodeID) error {
	return verifyContext(signature, verifier, p.Bytes(), "ToBeSignedPrepare", signers)
}

type ToBeSignedCommit struct {
	View   View
	Digest Digest
}

func (c *ToBeSignedCommit) Bytes() []byte {
	buff := make([]byte, viewLen+headerDigestLen)
	copy(buff, c.View.Bytes())
	copy(buff[viewLen:], c.Digest[:])
	return buff
}

func (c *ToBeSignedCommit) FromBytes(buff []byte) error {
	if len(buff) != viewLen+headerDigestLen {
		return fmt.Errorf("invalid buffer length %d, expected %d", len(buff), viewLen+headerDigestLen)
	}
	if err := c.View.FromBytes(buff[:viewLen]); err != nil {
		return err
	}
	copy(c.Digest[:], buff[viewLen:])
	return nil
}

func (c *ToBeSignedCommit) Sign(signer Signer) ([]byte, error) {
	return signContext(signer, c.Bytes(), "ToBeSignedCommit")
}

func (c *ToBeSignedCommit) Verify(signature []byte, verifier SignatureVerifier, signers NodeID) error {
	return verifyContext(signature, verifier, c.Bytes(), "ToBeSignedCommit", signers)
}

// SignCommitSeal signs the block digest itself, detached from the commit
// payload, so the seal can be embedded in the finalized block.
func SignCommitSeal(signer Signer, digest Digest) ([]byte, error) {
	return signContext(signer, digest[:], "CommitSeal")
}

// VerifyCommitSeal verifies a commit seal over the given digest.
func VerifyCommitSeal(verifier SignatureVerifier, digest Digest, seal []byte, signer NodeID) error {
	return verifyContext(seal, verifier, digest[:], "CommitSeal", signer)
}

const (
	roundChangeNotPrepared = 0
	roundChangePrepared    = 1

	toBeSignedRoundChangeLen = viewLen + 1 + viewRoundLen + headerDigestLen
)

// ToBeSignedRoundChange is the signed portion of a round-change vote: the
// target view, and the round and digest of the highest proposal the sender
// saw reach prepared state this height, if any. The certificate justifying
// the claim travels unsigned alongside, in RoundChange.Prepared.
type ToBeSignedRoundChange struct {
	// View is the target view the sender wants to move to.
	View View
	// Prepared indicates whether PreparedRound and PreparedDigest are set.
	Prepared bool
	// PreparedRound is the round of the prepared certificate the sender holds.
	PreparedRound uint32
	// PreparedDigest is the block digest that certificate prepared.
	PreparedDigest Digest
}

func (rc *ToBeSignedRoundChange) Bytes() []byte {
	buff := make([]byte, toBeSignedRoundChangeLen)
	var pos int

	copy(buff, rc.View.Bytes())
	pos += viewLen

	if rc.Prepared {
		buff[pos] = roundChangePrepared
	} else {
		buff[pos] = roundChangeNotPrepared
	}
	pos++

	binary.BigEndian.PutUint32(buff[pos:], rc.PreparedRound)
	pos += viewRoundLen

	copy(buff[pos:], rc.PreparedDigest[:])

	return buff
}

func (rc *ToBeSignedRoundChange) FromBytes(buff []byte) error {
	if len(buff) != toBeSignedRoundChangeLen {
		return fmt.Errorf("invalid buffer length %d, expected %d", len(buff), toBeSignedRoundChangeLen)
	}

	var pos int

	if err := rc.View.FromBytes(buff[:viewLen]); err != nil {
		return err
	}
	pos += viewLen

	switch buff[pos] {
	case roundChangeNotPrepared:
		rc.Prepared = false
	case roundChangePrepared:
		rc.Prepared = true
	default:
		return fmt.Errorf("invalid prepared flag %d", buff[pos])
	}
	pos++

	rc.PreparedRound = binary.BigEndian.Uint32(buff[pos:])
	pos += viewRoundLen

	copy(rc.PreparedDigest[:], buff[pos:])

	return nil
}

func (rc *ToBeSignedRoundChange) Sign(signer Signer) ([]byte, error) {
	return signContext(signer, rc.Bytes(), "ToBeSignedRoundChange")
}

func (rc *ToBeSignedRoundChange) Verify(signature []byte, verifier SignatureVerifier, signers NodeID) error {
	return verifyContext(signature, verifier, rc.Bytes(), "ToBeSignedRoundChange", signers)
}

// Proposal carries a candidate block together with the proposer's signature
// over its header. Bare Proposal messages are only valid at round 0; later
// rounds wrap the proposal in a NewRound message.
type Proposal struct {
	Block     Block
	Proposal  ToBeSignedProposal
	Signature Signature
}

// Prepare is a vote that the proposed block is safe to commit.
type Prepare struct {
	Prepare   ToBeSignedPrepare
	Signature Signature
}

// Commit is a vote to finalize the proposed block. Alongside the payload
// signature it carries a detached commit seal over the block digest, usable
// for on-chain inclusion.
type Commit struct {
	Commit     ToBeSignedCommit
	Signature  Signature
	CommitSeal []byte
}

// RoundChange is a vote to abandon the current round and move to the target
// view, carrying proof of the highest prepared proposal the sender observed.
type RoundChange struct {
	RoundChange ToBeSignedRoundChange
	Signature   Signature
	// Prepared justifies the prepared claim in the signed payload.
	// Nil when the sender saw nothing reach prepared state.
	Prepared *PreparedCertificate
}

// NewRound is the aggregate message the proposer of a round > 0 broadcasts:
// the round-change certificate proving a quorum wants the new round, and the
// proposal for it.
type NewRound struct {
	Certificate RoundChangeCertificate
	Proposal    Proposal
}

// signedEnvelope binds a payload to the context it was signed in, preventing
// a signature produced for one message kind from being replayed as another.
type signedEnvelope struct {
	Payload []byte
	Context string
}

func signContext(signer Signer, msg []byte, context string) ([]byte, error) {
	se := signedEnvelope{Payload: msg, Context: context}
	toBeSigned, err := asn1.Marshal(se)
	if err != nil {
		return nil, err
	}
	return signer.Sign(toBeSigned)
}

func verifyContext(signature []byte, verifier SignatureVerifier, msg []byte, context string, signers NodeID) error {
	se := signedEnvelope{Payload: msg, Context: context}
	toBeSigned, err := asn1.Marshal(se)
	if err != nil {
		return err
	}
	return verifier.Verify(toBeSigned, signature, signers)
}
