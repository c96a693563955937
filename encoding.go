// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ibft

import (
	"encoding/asn1"
	"fmt"

	"github.com/luxfi/ibft/record"
)

const recordVersion uint8 = 1

type signedPayloadRecord struct {
	Payload   []byte
	Signer    []byte
	Signature []byte
}

type proposalRecord struct {
	Vote  signedPayloadRecord
	Block []byte
}

type commitRecord struct {
	Vote signedPayloadRecord
	Seal []byte
}

type preparedCertificateRecord struct {
	Proposal proposalRecord
	Prepares []signedPayloadRecord
}

type commitCertificateRecord struct {
	Proposal proposalRecord
	Commits  []commitRecord
}

func newRecord(recordType uint16, payload any) *record.Record {
	bytes, err := asn1.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return &record.Record{
		Version: recordVersion,
		Type:    recordType,
		Payload: bytes,
	}
}

func proposalToRecord(p *Proposal) proposalRecord {
	return proposalRecord{
		Vote: signedPayloadRecord{
			Payload:   p.Proposal.Bytes(),
			Signer:    p.Signature.Signer,
			Signature: p.Signature.Value,
		},
		Block: p.Block.Bytes(),
	}
}

func proposalFromRecord(pr *proposalRecord, d BlockDeserializer) (Proposal, error) {
	var proposal ToBeSignedProposal
	if err := proposal.FromBytes(pr.Vote.Payload); err != nil {
		return Proposal{}, fmt.Errorf("failed to deserialize proposal: %w", err)
	}

	block, err := d.DeserializeBlock(pr.Block)
	if err != nil {
		return Proposal{}, fmt.Errorf("failed to deserialize proposal block: %w", err)
	}

	return Proposal{
		Block:    block,
		Proposal: proposal,
		Signature: Signature{
			Signer: NodeID(pr.Vote.Signer),
			Value:  pr.Vote.Signature,
		},
	}, nil
}

// NewProposalRecord encodes an accepted proposal for the write-ahead log.
func NewProposalRecord(p *Proposal) *record.Record {
	return newRecord(record.ProposalRecordType, proposalToRecord(p))
}

func ParseProposalRecord(r *record.Record, d BlockDeserializer) (Proposal, error) {
	if r.Type != record.ProposalRecordType {
		return Proposal{}, fmt.Errorf("expected record type %d, got %d", record.ProposalRecordType, r.Type)
	}

	var pr proposalRecord
	if _, err := asn1.Unmarshal(r.Payload, &pr); err != nil {
		return Proposal{}, err
	}

	return proposalFromRecord(&pr, d)
}

// NewPreparedCertificateRecord encodes a freshly formed prepared certificate
// for the write-ahead log.
func NewPreparedCertificateRecord(pc *PreparedCertificate) *record.Record {
	pcr := preparedCertificateRecord{
		Proposal: proposalToRecord(&pc.Proposal),
		Prepares: make([]signedPayloadRecord, 0, len(pc.Prepares)),
	}
	for i := range pc.Prepares {
		prepare := &pc.Prepares[i]
		pcr.Prepares = append(pcr.Prepares, signedPayloadRecord{
			Payload:   prepare.Prepare.Bytes(),
			Signer:    prepare.Signature.Signer,
			Signature: prepare.Signature.Value,
		})
	}
	return newRecord(record.PreparedCertificateRecordType, pcr)
}

func ParsePreparedCertificateRecord(r *record.Record, d BlockDeserializer) (PreparedCertificate, error) {
	if r.Type != record.PreparedCertificateRecordType {
		return PreparedCertificate{}, fmt.Errorf("expected record type %d, got %d",
			record.PreparedCertificateRecordType, r.Type)
	}

	var pcr preparedCertificateRecord
	if _, err := asn1.Unmarshal(r.Payload, &pcr); err != nil {
		return PreparedCertificate{}, err
	}

	proposal, err := proposalFromRecord(&pcr.Proposal, d)
	if err != nil {
		return PreparedCertificate{}, err
	}

	pc := PreparedCertificate{
		Proposal: proposal,
		Prepares: make([]Prepare, 0, len(pcr.Prepares)),
	}
	for i := range pcr.Prepares {
		var prepare ToBeSignedPrepare
		if err := prepare.FromBytes(pcr.Prepares[i].Payload); err != nil {
			return PreparedCertificate{}, fmt.Errorf("failed to deserialize prepare: %w", err)
		}
		pc.Prepares = append(pc.Prepares, Prepare{
			Prepare: prepare,
			Signature: Signature{
				Signer: NodeID(pcr.Prepares[i].Signer),
				Value:  pcr.Prepares[i].Signature,
			},
		})
	}

	return pc, nil
}

// NewRoundChangeRecord encodes the round-change vote the local node
// broadcast, so a restart does not regress to an earlier round.
func NewRoundChangeRecord(rc *ToBeSignedRoundChange) *record.Record {
	return &record.Record{
		Version: recordVersion,
		Type:    record.RoundChangeRecordType,
		Payload: rc.Bytes(),
	}
}

func ParseRoundChangeRecord(r *record.Record) (ToBeSignedRoundChange, error) {
	if r.Type != record.RoundChangeRecordType {
		return ToBeSignedRoundChange{}, fmt.Errorf("expected record type %d, got %d",
			record.RoundChangeRecordType, r.Type)
	}

	var rc ToBeSignedRoundChange
	if err := rc.FromBytes(r.Payload); err != nil {
		return ToBeSignedRoundChange{}, err
	}
	return rc, nil
}

// NewCommitCertificateRecord encodes a commit certificate for the write-ahead
// log, appended before the block is handed to the chain.
func NewCommitCertificateRecord(cc *CommitCertificate) *record.Record {
	ccr := commitCertificateRecord{
		Proposal: proposalToRecord(&cc.Proposal),
		Commits:  make([]commitRecord, 0, len(cc.Commits)),
	}
	for i := range cc.Commits {
		commit := &cc.Commits[i]
		ccr.Commits = append(ccr.Commits, commitRecord{
			Vote: signedPayloadRecord{
				Payload:   commit.Commit.Bytes(),
				Signer:    commit.Signature.Signer,
				Signature: commit.Signature.Value,
			},
			Seal: commit.CommitSeal,
		})
	}
	return newRecord(record.CommitCertificateRecordType, ccr)
}

func ParseCommitCertificateRecord(r *record.Record, d BlockDeserializer) (CommitCertificate, error) {
	if r.Type != record.CommitCertificateRecordType {
		return CommitCertificate{}, fmt.Errorf("expected record type %d, got %d",
			record.CommitCertificateRecordType, r.Type)
	}

	var ccr commitCertificateRecord
	if _, err := asn1.Unmarshal(r.Payload, &ccr); err != nil {
		return CommitCertificate{}, err
	}

	proposal, err := proposalFromRecord(&ccr.Proposal, d)
	if err != nil {
		return CommitCertificate{}, err
	}

	cc := CommitCertificate{
		Proposal: proposal,
		Commits:  make([]Commit, 0, len(ccr.Commits)),
	}
	for i := range ccr.Commits {
		var commit ToBeSignedCommit
		if err := commit.FromBytes(ccr.Commits[i].Vote.Payload); err != nil {
			return CommitCertificate{}, fmt.Errorf("failed to deserialize commit: %w", err)
		}
		cc.Commits = append(cc.Commits, Commit{
			Commit: commit,
			Signature: Signature{
				Signer: NodeID(ccr.Commits[i].Vote.Signer),
				Value:  ccr.Commits[i].Vote.Signature,
			},
			CommitSeal: ccr.Commits[i].Seal,
		})
	}

	return cc, nil
}
