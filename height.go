// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ibft

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/luxfi/ibft/record"

	"go.uber.org/zap"
)

const (
	// DefaultRoundTimeout is the base duration a round may run before the
	// node votes to abandon it. It doubles with every round of the height.
	DefaultRoundTimeout = 10 * time.Second
	// DefaultMaxRoundTimeout caps the exponential round timeout growth.
	DefaultMaxRoundTimeout = 5 * time.Minute
	// DefaultBlockInterval is the minimum time between the previous block
	// and the round 0 proposal of the next height.
	DefaultBlockInterval = time.Second

	// roundLookahead bounds how far ahead of the current round votes are
	// buffered. Anything further is dropped.
	roundLookahead = 64

	// maxBackoffShift caps the exponent of the round timeout doubling so
	// the shift cannot overflow.
	maxBackoffShift = 16
)

// HeightConfig carries the collaborators and tuning for a single height.
type HeightConfig struct {
	Logger            Logger
	ID                NodeID
	Signer            Signer
	Verifier          SignatureVerifier
	Validators        []NodeID
	Height            uint64
	Parent            BlockHeader
	Comm              Communication
	WAL               WriteAheadLog
	BlockBuilder      BlockBuilder
	BlockDeserializer BlockDeserializer
	Chain             Chain
	Reporter          EquivocationReporter
	Timeouts          *TimeoutHandler
	RoundTimeout      time.Duration
	MaxRoundTimeout   time.Duration
	BlockInterval     time.Duration

	// OnRoundTimeout and OnBlockBuilt are invoked from timer and builder
	// goroutines respectively. They must only enqueue; the corresponding
	// Handle method is then called from the consensus goroutine.
	OnRoundTimeout func(v View)
	OnBlockBuilt   func(block Block, v View)

	// OnFinalize is called once the height's block is durably appended.
	OnFinalize func(block Block, certificate CommitCertificate)
}

// HeightManager drives the round lifecycle of a single height: it feeds
// validated messages into the round arena, arms and reacts to round timers,
// collects round-change votes, and finalizes once a commit quorum forms.
// All methods must be called from a single goroutine; the config's On*
// callbacks are the only entry points invoked elsewhere, and they only
// enqueue.
type HeightManager struct {
	logger       Logger
	id           NodeID
	height       uint64
	validators   []NodeID
	quorum       int
	f            int
	factory      *MessageFactory
	validator    *MessageValidator
	comm         Communication
	wal          WriteAheadLog
	builder      BlockBuilder
	deserializer BlockDeserializer
	chain        Chain
	reporter     EquivocationReporter
	timeouts     *TimeoutHandler
	parent       BlockHeader

	roundTimeout    time.Duration
	maxRoundTimeout time.Duration
	blockInterval   time.Duration

	onRoundTimeout func(View)
	onBlockBuilt   func(Block, View)
	onFinalize     func(Block, CommitCertificate)

	rounds       map[uint32]*RoundState
	currentRound uint32
	// timeoutRound is the round the armed round timer watches. It runs
	// ahead of currentRound while round changes escalate.
	timeoutRound uint32

	// roundChanges collects validated round-change votes per target round;
	// inner maps are keyed by signer.
	roundChanges map[uint32]map[string]*RoundChange

	// latestPrepared is the highest prepared certificate observed at this
	// height, carried on our round-change votes and reused by proposals.
	latestPrepared *PreparedCertificate

	// pendingCertificate justifies the new round we lead while its block
	// is still being built.
	pendingCertificate *RoundChangeCertificate
	buildCancel        context.CancelFunc

	// ownRoundChange is the last round-change vote replayed from the WAL,
	// re-broadcast on Start.
	ownRoundChange *ToBeSignedRoundChange

	commitPersisted bool
	finalized       bool
}

func NewHeightManager(config HeightConfig) *HeightManager {
	if config.RoundTimeout <= 0 {
		config.RoundTimeout = DefaultRoundTimeout
	}
	if config.MaxRoundTimeout <= 0 {
		config.MaxRoundTimeout = DefaultMaxRoundTimeout
	}

	return &HeightManager{
		logger:          config.Logger,
		id:              config.ID,
		height:          config.Height,
		validators:      config.Validators,
		quorum:          Quorum(len(config.Validators)),
		f:               FaultTolerance(len(config.Validators)),
		factory:         NewMessageFactory(config.ID, config.Signer),
		validator:       NewMessageValidator(config.Logger, config.Verifier, config.Validators),
		comm:            config.Comm,
		wal:             config.WAL,
		builder:         config.BlockBuilder,
		deserializer:    config.BlockDeserializer,
		chain:           config.Chain,
		reporter:        config.Reporter,
		timeouts:        config.Timeouts,
		parent:          config.Parent,
		roundTimeout:    config.RoundTimeout,
		maxRoundTimeout: config.MaxRoundTimeout,
		blockInterval:   config.BlockInterval,
		onRoundTimeout:  config.OnRoundTimeout,
		onBlockBuilt:    config.OnBlockBuilt,
		onFinalize:      config.OnFinalize,
		rounds:          make(map[uint32]*RoundState),
		roundChanges:    make(map[uint32]map[string]*RoundChange),
	}
}

func (hm *HeightManager) Height() uint64 {
	return hm.height
}

func (hm *HeightManager) CurrentRound() uint32 {
	return hm.currentRound
}

func (hm *HeightManager) Finalized() bool {
	return hm.finalized
}

func (hm *HeightManager) roundTaskID() string {
	return fmt.Sprintf("%d/round-timer", hm.height)
}

func (hm *HeightManager) blockTaskID() string {
	return fmt.Sprintf("%d/block-timer", hm.height)
}

func (hm *HeightManager) round(r uint32) *RoundState {
	rs, exists := hm.rounds[r]
	if !exists {
		rs = NewRoundState(hm.logger, View{Height: hm.height, Round: r}, hm.quorum)
		hm.rounds[r] = rs
	}
	return rs
}

func (hm *HeightManager) isProposer(v View) bool {
	return ProposerForView(hm.validators, v).Equals(hm.id)
}

// Recover restores the height's state from write-ahead log records. It has
// no side effects beyond state mutation; Start performs the re-broadcasts
// the restored state calls for.
func (hm *HeightManager) Recover(records []record.Record) error {
	for i := range records {
		r := &records[i]
		switch r.Type {
		case record.ProposalRecordType:
			proposal, err := ParseProposalRecord(r, hm.deserializer)
			if err != nil {
				return fmt.Errorf("failed parsing proposal record: %w", err)
			}
			v := proposal.Proposal.View
			if v.Height != hm.height {
				return fmt.Errorf("write-ahead log record for height %d, expected %d", v.Height, hm.height)
			}
			hm.advanceTo(v.Round)
			if err := hm.round(v.Round).SetProposal(&proposal); err != nil && !errors.Is(err, ErrProposalExists) {
				return fmt.Errorf("failed restoring proposal: %w", err)
			}
		case record.PreparedCertificateRecordType:
			pc, err := ParsePreparedCertificateRecord(r, hm.deserializer)
			if err != nil {
				return fmt.Errorf("failed parsing prepared certificate record: %w", err)
			}
			v := pc.View()
			if v.Height != hm.height {
				return fmt.Errorf("write-ahead log record for height %d, expected %d", v.Height, hm.height)
			}
			hm.advanceTo(v.Round)
			rs := hm.round(v.Round)
			if err := rs.SetProposal(&pc.Proposal); err != nil && !errors.Is(err, ErrProposalExists) {
				return fmt.Errorf("failed restoring proposal: %w", err)
			}
			for i := range pc.Prepares {
				if err := rs.AddPrepare(&pc.Prepares[i]); err != nil {
					return fmt.Errorf("failed restoring prepare: %w", err)
				}
			}
			rs.TryPrepare()
			hm.observePrepared(&pc)
		case record.RoundChangeRecordType:
			rc, err := ParseRoundChangeRecord(r)
			if err != nil {
				return fmt.Errorf("failed parsing round change record: %w", err)
			}
			if rc.View.Height != hm.height {
				return fmt.Errorf("write-ahead log record for height %d, expected %d", rc.View.Height, hm.height)
			}
			hm.ownRoundChange = &rc
		case record.CommitCertificateRecordType:
			cc, err := ParseCommitCertificateRecord(r, hm.deserializer)
			if err != nil {
				return fmt.Errorf("failed parsing commit certificate record: %w", err)
			}
			v := cc.View()
			if v.Height != hm.height {
				return fmt.Errorf("write-ahead log record for height %d, expected %d", v.Height, hm.height)
			}
			hm.advanceTo(v.Round)
			rs := hm.round(v.Round)
			if err := rs.SetProposal(&cc.Proposal); err != nil && !errors.Is(err, ErrProposalExists) {
				return fmt.Errorf("failed restoring proposal: %w", err)
			}
			for i := range cc.Commits {
				if err := rs.AddCommit(&cc.Commits[i]); err != nil {
					return fmt.Errorf("failed restoring commit: %w", err)
				}
			}
			rs.TryCommit()
			hm.commitPersisted = true
		default:
			return fmt.Errorf("unknown record type %d in write-ahead log", r.Type)
		}
	}
	return nil
}

// Start arms the round timer and, depending on the (possibly recovered)
// state, either kicks off the round 0 proposal or re-broadcasts the last
// message the node was committed to before it crashed.
func (hm *HeightManager) Start() {
	if hm.finalized {
		return
	}

	rs := hm.round(hm.currentRound)
	if cc := rs.CommitCertificate(); cc != nil {
		hm.finalize(rs, cc)
		if hm.finalized {
			return
		}
	}

	hm.armRoundTimer(hm.currentRound)
	hm.logger.Info("Starting height",
		zap.Uint64("height", hm.height),
		zap.Uint32("round", hm.currentRound),
		zap.Stringer("proposer", ProposerForView(hm.validators, rs.View())))

	switch {
	case hm.ownRoundChange != nil && hm.ownRoundChange.View.Round > hm.currentRound:
		hm.sendRoundChange(hm.ownRoundChange.View.Round)
	case rs.Phase() == PhasePrepared:
		hm.broadcastCommit(rs)
		hm.tryAdvance(rs)
	case rs.Phase() == PhaseProposed:
		if !hm.isProposer(rs.View()) {
			hm.broadcastPrepare(rs)
		}
		hm.tryAdvance(rs)
	default:
		if hm.currentRound != 0 || !hm.isProposer(rs.View()) {
			return
		}
		if hm.blockInterval <= 0 {
			hm.startBuild(rs.View())
			return
		}
		hm.timeouts.AddTask(&TimeoutTask{
			ID:       hm.blockTaskID(),
			View:     rs.View(),
			Deadline: hm.timeouts.GetTime().Add(hm.blockInterval),
			Task: func() {
				hm.onRoundTimeout(View{Height: hm.height, Round: blockTimerRound})
			},
		})
	}
}

// blockTimerRound marks a fired block timer in the shared timeout callback.
// No real round reaches it.
const blockTimerRound = ^uint32(0)

// Stop cancels the height's timers and any in-flight block build.
func (hm *HeightManager) Stop() {
	hm.timeouts.RemoveTask(hm.roundTaskID())
	hm.timeouts.RemoveTask(hm.blockTaskID())
	hm.cancelBuild()
}

// HandleMessage validates and applies an inbound message. Invalid messages
// are logged and dropped; they never abort the height.
func (hm *HeightManager) HandleMessage(msg *Message, from NodeID) {
	if hm.finalized {
		return
	}

	switch {
	case msg.ProposalMessage != nil:
		hm.handleProposal(msg.ProposalMessage, from)
	case msg.PrepareMessage != nil:
		hm.handlePrepare(msg.PrepareMessage, from)
	case msg.CommitMessage != nil:
		hm.handleCommit(msg.CommitMessage, from)
	case msg.RoundChangeMessage != nil:
		hm.handleRoundChange(msg.RoundChangeMessage, from)
	case msg.NewRoundMessage != nil:
		hm.handleNewRound(msg.NewRoundMessage, from)
	default:
		hm.logger.Warn("Received empty message", zap.Stringer("from", from))
	}
}

func (hm *HeightManager) handleProposal(p *Proposal, from NodeID) {
	v := p.Proposal.View
	if !p.Signature.Signer.Equals(from) {
		hm.logger.Warn("Proposal signer does not match the sender",
			zap.Stringer("signer", p.Signature.Signer), zap.Stringer("from", from))
		return
	}
	if v.Round != 0 {
		hm.logger.Debug("Dropping bare proposal outside round 0", zap.Stringer("view", v))
		return
	}
	if hm.currentRound != 0 {
		hm.logger.Debug("Dropping proposal for a superseded round",
			zap.Stringer("view", v), zap.Uint32("currentRound", hm.currentRound))
		return
	}

	if err := hm.validator.ValidateProposal(p, v); err != nil {
		hm.logger.Debug("Rejected proposal", zap.Stringer("from", from), zap.Error(err))
		return
	}

	hm.applyProposal(hm.round(v.Round), p)
}

func (hm *HeightManager) handlePrepare(p *Prepare, from NodeID) {
	v := p.Prepare.View
	if !p.Signature.Signer.Equals(from) {
		hm.logger.Warn("Prepare signer does not match the sender",
			zap.Stringer("signer", p.Signature.Signer), zap.Stringer("from", from))
		return
	}
	if !hm.roundInWindow(v.Round) {
		return
	}

	if err := hm.validator.ValidatePrepare(p, v); err != nil {
		hm.logger.Debug("Rejected prepare", zap.Stringer("from", from), zap.Error(err))
		return
	}

	rs := hm.round(v.Round)
	if err := rs.AddPrepare(p); err != nil {
		if errors.Is(err, ErrEquivocation) {
			hm.reportEquivocation(v, from)
		}
		return
	}

	if v.Round == hm.currentRound {
		hm.tryAdvance(rs)
	}
}

func (hm *HeightManager) handleCommit(c *Commit, from NodeID) {
	v := c.Commit.View
	if !c.Signature.Signer.Equals(from) {
		hm.logger.Warn("Commit signer does not match the sender",
			zap.Stringer("signer", c.Signature.Signer), zap.Stringer("from", from))
		return
	}
	if !hm.roundInWindow(v.Round) {
		return
	}

	if err := hm.validator.ValidateCommit(c, v); err != nil {
		hm.logger.Debug("Rejected commit", zap.Stringer("from", from), zap.Error(err))
		return
	}

	rs := hm.round(v.Round)
	if err := rs.AddCommit(c); err != nil {
		if errors.Is(err, ErrEquivocation) {
			hm.reportEquivocation(v, from)
		}
		return
	}

	if v.Round == hm.currentRound {
		hm.tryAdvance(rs)
	}
}

func (hm *HeightManager) handleRoundChange(rc *RoundChange, from NodeID) {
	target := rc.RoundChange.View
	if !rc.Signature.Signer.Equals(from) {
		hm.logger.Warn("Round change signer does not match the sender",
			zap.Stringer("signer", rc.Signature.Signer), zap.Stringer("from", from))
		return
	}
	if target.Round <= hm.currentRound || target.Round > hm.currentRound+roundLookahead {
		hm.logger.Debug("Dropping round change outside the active window",
			zap.Stringer("target", target), zap.Uint32("currentRound", hm.currentRound))
		return
	}

	if err := hm.validator.ValidateRoundChange(rc, hm.height); err != nil {
		hm.logger.Debug("Rejected round change", zap.Stringer("from", from), zap.Error(err))
		return
	}

	hm.observePrepared(rc.Prepared)
	hm.recordRoundChange(rc)
	hm.maybeCatchUp()
}

func (hm *HeightManager) handleNewRound(nr *NewRound, from NodeID) {
	v := nr.Proposal.Proposal.View
	if !nr.Proposal.Signature.Signer.Equals(from) {
		hm.logger.Warn("New round signer does not match the sender",
			zap.Stringer("signer", nr.Proposal.Signature.Signer), zap.Stringer("from", from))
		return
	}
	if v.Round < hm.currentRound || v.Round > hm.currentRound+roundLookahead {
		hm.logger.Debug("Dropping new round outside the active window",
			zap.Stringer("view", v), zap.Uint32("currentRound", hm.currentRound))
		return
	}

	if err := hm.validator.ValidateNewRound(nr, hm.height); err != nil {
		hm.logger.Debug("Rejected new round", zap.Stringer("from", from), zap.Error(err))
		return
	}

	hm.observePrepared(nr.Certificate.HighestPrepared())
	// The certificate proves a quorum wants this round; jump to it.
	if v.Round > hm.currentRound {
		hm.startRound(v.Round)
	}
	hm.applyProposal(hm.round(v.Round), &nr.Proposal)
}

// roundInWindow reports whether a vote for the given round is worth keeping:
// rounds below the current one are settled, rounds too far ahead are not
// buffered.
func (hm *HeightManager) roundInWindow(round uint32) bool {
	return round >= hm.currentRound && round <= hm.currentRound+roundLookahead
}

// applyProposal accepts a validated proposal into the round, persists it, and
// votes prepare unless the local node is its proposer.
func (hm *HeightManager) applyProposal(rs *RoundState, p *Proposal) {
	if err := rs.SetProposal(p); err != nil {
		hm.logger.Debug("Ignoring proposal", zap.Stringer("view", rs.View()), zap.Error(err))
		return
	}

	hm.walAppend(NewProposalRecord(p))
	if !hm.isProposer(rs.View()) {
		hm.broadcastPrepare(rs)
	}
	hm.tryAdvance(rs)
}

func (hm *HeightManager) broadcastPrepare(rs *RoundState) {
	msg, err := hm.factory.Prepare(rs.View(), rs.Proposal().Proposal.BlockHeader.Digest)
	if err != nil {
		hm.logger.Error("Failed signing prepare", zap.Error(err))
		return
	}
	hm.comm.Broadcast(msg)
	if err := rs.AddPrepare(msg.PrepareMessage); err != nil {
		hm.logger.Error("Failed recording own prepare", zap.Error(err))
	}
}

func (hm *HeightManager) broadcastCommit(rs *RoundState) {
	msg, err := hm.factory.Commit(rs.View(), rs.Proposal().Proposal.BlockHeader.Digest)
	if err != nil {
		hm.logger.Error("Failed signing commit", zap.Error(err))
		return
	}
	hm.comm.Broadcast(msg)
	if err := rs.AddCommit(msg.CommitMessage); err != nil {
		hm.logger.Error("Failed recording own commit", zap.Error(err))
	}
}

// tryAdvance drives the round through any quorum transition its vote sets
// now justify.
func (hm *HeightManager) tryAdvance(rs *RoundState) {
	if pc := rs.TryPrepare(); pc != nil {
		hm.walAppend(NewPreparedCertificateRecord(pc))
		hm.observePrepared(pc)
		hm.broadcastCommit(rs)
	}
	if cc := rs.TryCommit(); cc != nil {
		hm.finalize(rs, cc)
	}
}

// finalize appends the certified block to the chain and retires the height.
// Append failures leave the round timer armed; the next fire retries.
func (hm *HeightManager) finalize(rs *RoundState, cc *CommitCertificate) {
	if !hm.commitPersisted {
		hm.walAppend(NewCommitCertificateRecord(cc))
		hm.commitPersisted = true
	}

	block := rs.Proposal().Block
	err := hm.chain.Append(block, *cc)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyFinalized):
		existing, _, found := hm.chain.Retrieve(hm.height)
		if found && existing.BlockHeader().Digest != cc.Digest() {
			// Two commit certificates over different digests at one height
			// means quorum intersection failed. Nothing sound can follow.
			hm.logger.Fatal("Conflicting finalized block",
				zap.Uint64("height", hm.height),
				zap.Stringer("finalized", existing.BlockHeader().Digest),
				zap.Stringer("certified", cc.Digest()))
			return
		}
	default:
		hm.logger.Error("Failed appending finalized block",
			zap.Uint64("height", hm.height), zap.Error(err))
		return
	}

	hm.finalized = true
	hm.Stop()
	if err := hm.wal.Truncate(); err != nil {
		hm.logger.Error("Failed truncating write-ahead log", zap.Error(err))
	}

	hm.logger.Info("Finalized height",
		zap.Uint64("height", hm.height),
		zap.Uint32("round", rs.View().Round),
		zap.Stringer("digest", cc.Digest()),
		zap.Int("commits", len(cc.Commits)))

	if hm.onFinalize != nil {
		hm.onFinalize(block, *cc)
	}
}

// HandleRoundTimeout reacts to the round timer firing for [v]. A fire whose
// round no longer matches the armed watch round is a settled race and is
// dropped; cancellation alone cannot close it.
func (hm *HeightManager) HandleRoundTimeout(v View) {
	if hm.finalized || v.Height != hm.height {
		return
	}
	if v.Round == blockTimerRound {
		hm.handleBlockTimeout()
		return
	}
	if v.Round != hm.timeoutRound {
		hm.logger.Debug("Dropping stale round timeout",
			zap.Stringer("view", v), zap.Uint32("timeoutRound", hm.timeoutRound))
		return
	}

	rs := hm.round(hm.currentRound)
	if cc := rs.CommitCertificate(); cc != nil {
		// The round committed but the chain append failed earlier. Retry
		// instead of abandoning a certified block.
		hm.finalize(rs, cc)
		if !hm.finalized {
			hm.armRoundTimer(hm.timeoutRound)
		}
		return
	}

	hm.logger.Info("Round timed out",
		zap.Uint64("height", hm.height),
		zap.Uint32("round", hm.timeoutRound))

	if hm.currentRound == hm.timeoutRound {
		rs.Abandon()
		hm.cancelBuild()
	}
	hm.sendRoundChange(hm.timeoutRound + 1)
}

func (hm *HeightManager) handleBlockTimeout() {
	if hm.currentRound != 0 {
		return
	}
	rs := hm.round(0)
	if rs.Proposal() != nil || rs.Phase() == PhaseAbandoned {
		return
	}
	hm.startBuild(rs.View())
}

// sendRoundChange signs, persists and broadcasts our round-change vote for
// [target], records it toward its quorum, and keeps the timer escalating.
func (hm *HeightManager) sendRoundChange(target uint32) {
	v := View{Height: hm.height, Round: target}
	msg, err := hm.factory.RoundChange(v, hm.latestPrepared)
	if err != nil {
		hm.logger.Error("Failed signing round change", zap.Error(err))
		return
	}

	hm.walAppend(NewRoundChangeRecord(&msg.RoundChangeMessage.RoundChange))
	hm.comm.Broadcast(msg)
	hm.logger.Debug("Voted for round change", zap.Stringer("target", v))

	hm.recordRoundChange(msg.RoundChangeMessage)
	if hm.timeoutRound < target && !hm.finalized {
		hm.armRoundTimer(target)
	}
}

// recordRoundChange stores a validated round-change vote and advances the
// height once its target gathers a quorum.
func (hm *HeightManager) recordRoundChange(rc *RoundChange) {
	target := rc.RoundChange.View.Round
	if target <= hm.currentRound {
		return
	}

	votes, exists := hm.roundChanges[target]
	if !exists {
		votes = make(map[string]*RoundChange)
		hm.roundChanges[target] = votes
	}
	signer := string(rc.Signature.Signer)
	if _, voted := votes[signer]; voted {
		return
	}
	votes[signer] = rc

	if len(votes) < hm.quorum {
		return
	}

	certificate, err := NewRoundChangeCertificate(votes)
	if err != nil {
		hm.logger.Error("Failed forming round change certificate", zap.Error(err))
		return
	}
	hm.advanceRound(certificate)
}

// maybeCatchUp implements the f+1 rule: once more than f validators vote for
// rounds above our own target, at least one honest node is ahead of us, so we
// join the lowest round that f+1 of them will reach.
func (hm *HeightManager) maybeCatchUp() {
	highest := make(map[string]uint32)
	for target, votes := range hm.roundChanges {
		if target <= hm.currentRound {
			continue
		}
		for signer := range votes {
			if target > highest[signer] {
				highest[signer] = target
			}
		}
	}
	if len(highest) <= hm.f {
		return
	}

	targets := make([]uint32, 0, len(highest))
	for _, target := range highest {
		targets = append(targets, target)
	}
	slices.Sort(targets)

	candidate := targets[len(targets)-1-hm.f]
	if candidate <= hm.timeoutRound {
		return
	}

	hm.logger.Info("Catching up to round change majority",
		zap.Uint64("height", hm.height),
		zap.Uint32("round", candidate))
	hm.sendRoundChange(candidate)
}

// advanceRound starts the round a round-change certificate justifies and, if
// the local node proposes it, re-proposes the certificate's prepared block or
// builds a fresh one.
func (hm *HeightManager) advanceRound(certificate RoundChangeCertificate) {
	target := certificate.TargetView()
	if target.Round <= hm.currentRound {
		return
	}

	hm.startRound(target.Round)
	if !hm.isProposer(target) {
		return
	}

	if prepared := certificate.HighestPrepared(); prepared != nil {
		hm.proposeNewRound(target, certificate, prepared.Proposal.Block)
		return
	}
	hm.pendingCertificate = &certificate
	hm.startBuild(target)
}

// startRound abandons every round below [target] and makes it current.
func (hm *HeightManager) startRound(target uint32) {
	hm.cancelBuild()
	hm.pendingCertificate = nil
	hm.advanceTo(target)
	for votedTarget := range hm.roundChanges {
		if votedTarget <= target {
			delete(hm.roundChanges, votedTarget)
		}
	}
	hm.armRoundTimer(target)

	hm.logger.Info("Starting round",
		zap.Uint64("height", hm.height),
		zap.Uint32("round", target),
		zap.Stringer("proposer", ProposerForView(hm.validators, View{Height: hm.height, Round: target})))
}

// advanceTo moves the current round pointer forward, abandoning what it
// passes. It arms no timers; Recover uses it too.
func (hm *HeightManager) advanceTo(target uint32) {
	if target < hm.currentRound {
		return
	}
	for r, rs := range hm.rounds {
		if r < target {
			rs.Abandon()
		}
	}
	hm.currentRound = target
	hm.round(target)
}

func (hm *HeightManager) proposeNewRound(v View, certificate RoundChangeCertificate, block Block) {
	msg, err := hm.factory.NewRound(v, certificate, block)
	if err != nil {
		hm.logger.Error("Failed signing new round proposal", zap.Error(err))
		return
	}
	hm.applyProposal(hm.round(v.Round), &msg.NewRoundMessage.Proposal)
	hm.comm.Broadcast(msg)
}

// HandleBlockBuilt accepts an asynchronously built block. Results for a
// superseded view are discarded by comparison, not cancellation.
func (hm *HeightManager) HandleBlockBuilt(block Block, v View) {
	if hm.finalized || v.Height != hm.height || v.Round != hm.currentRound {
		hm.logger.Debug("Discarding block built for a superseded view", zap.Stringer("view", v))
		return
	}
	rs := hm.round(v.Round)
	if rs.Proposal() != nil || rs.Phase() == PhaseAbandoned {
		return
	}

	if v.Round > 0 {
		if hm.pendingCertificate == nil {
			hm.logger.Warn("Built block for a later round without a certificate", zap.Stringer("view", v))
			return
		}
		certificate := *hm.pendingCertificate
		hm.pendingCertificate = nil
		hm.proposeNewRound(v, certificate, block)
		return
	}

	msg, err := hm.factory.Proposal(v, block)
	if err != nil {
		hm.logger.Error("Failed signing proposal", zap.Error(err))
		return
	}
	hm.applyProposal(rs, msg.ProposalMessage)
	hm.comm.Broadcast(msg)
}

func (hm *HeightManager) startBuild(v View) {
	hm.cancelBuild()
	ctx, cancel := context.WithCancel(context.Background())
	hm.buildCancel = cancel

	hm.logger.Debug("Requesting block build", zap.Stringer("view", v))
	go func() {
		block, ok := hm.builder.BuildBlock(ctx, hm.parent, v)
		if !ok {
			return
		}
		hm.onBlockBuilt(block, v)
	}()
}

func (hm *HeightManager) cancelBuild() {
	if hm.buildCancel != nil {
		hm.buildCancel()
		hm.buildCancel = nil
	}
}

// armRoundTimer watches [round] with a timeout that doubles per round.
func (hm *HeightManager) armRoundTimer(round uint32) {
	shift := round
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	timeout := hm.roundTimeout << shift
	if timeout <= 0 || timeout > hm.maxRoundTimeout {
		timeout = hm.maxRoundTimeout
	}

	v := View{Height: hm.height, Round: round}
	hm.timeouts.RemoveTask(hm.roundTaskID())
	hm.timeouts.AddTask(&TimeoutTask{
		ID:       hm.roundTaskID(),
		View:     v,
		Deadline: hm.timeouts.GetTime().Add(timeout),
		Task: func() {
			hm.onRoundTimeout(v)
		},
	})
	hm.timeoutRound = round
}

func (hm *HeightManager) observePrepared(pc *PreparedCertificate) {
	if pc == nil {
		return
	}
	if hm.latestPrepared == nil || pc.View().Round > hm.latestPrepared.View().Round {
		hm.latestPrepared = pc
	}
}

func (hm *HeightManager) reportEquivocation(v View, offender NodeID) {
	if hm.reporter != nil {
		hm.reporter.ReportEquivocation(v, offender)
	}
}

func (hm *HeightManager) walAppend(r *record.Record) {
	if err := hm.wal.Append(r); err != nil {
		hm.logger.Error("Failed appending to write-ahead log",
			zap.Uint16("type", r.Type), zap.Error(err))
	}
}
