// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ibft

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultFutureHeightWindow is how many heights above the active one
	// messages are buffered for. Anything further is dropped.
	DefaultFutureHeightWindow = 8
	// defaultEventBacklog is the event queue capacity. Producers drop
	// events once it is full rather than block.
	defaultEventBacklog = 1024
	// timeoutBacklog is the capacity of the timer lane. Timer fires are
	// one-shot: a dropped fire is never re-armed, so they bypass the
	// message queue and cannot be evicted by a message flood.
	timeoutBacklog = 64
	// futureHeightBacklog bounds the buffered messages per future height.
	futureHeightBacklog = 128
)

// Config carries the collaborators of a consensus engine instance.
type Config struct {
	Logger            Logger
	ID                NodeID
	Signer            Signer
	Verifier          SignatureVerifier
	Validators        ValidatorSource
	Comm              Communication
	WAL               WriteAheadLog
	BlockBuilder      BlockBuilder
	BlockDeserializer BlockDeserializer
	Chain             Chain
	Reporter          EquivocationReporter

	StartTime       time.Time
	RoundTimeout    time.Duration
	MaxRoundTimeout time.Duration
	BlockInterval   time.Duration

	// FutureHeightWindow overrides DefaultFutureHeightWindow when positive.
	FutureHeightWindow uint64

	// OnDecision, when set, is invoked from the consensus goroutine for
	// every finalized block, after it was appended to the chain.
	OnDecision func(block Block, certificate CommitCertificate)
}

// event is the single unit the run loop consumes. Exactly one field is set.
// Timer fires travel on their own lane, see timeoutBacklog.
type event struct {
	message *inboundMessage
	built   *builtBlock
}

type inboundMessage struct {
	msg  *Message
	from NodeID
}

type builtBlock struct {
	block Block
	view  View
}

// Controller serializes the engine: transport callbacks, timer firings and
// block-build results are enqueued by their producers and consumed by one
// goroutine, so the height and round state below it need no locking. It owns
// the active height, discards stale traffic and buffers a bounded window of
// future-height messages until their height activates.
type Controller struct {
	config   Config
	logger   Logger
	timeouts *TimeoutHandler

	events        chan event
	timeoutEvents chan View
	closed        chan struct{}
	once          sync.Once
	wg            sync.WaitGroup

	// stateLock serializes the run loop against Metadata; everything below
	// it is otherwise touched only by the run goroutine.
	stateLock sync.Mutex
	height    *HeightManager
	future    map[uint64][]inboundMessage

	// cached validator set, re-queried at epoch boundaries
	validators []NodeID
	epoch      uint64
}

func NewController(config Config) (*Controller, error) {
	if config.Logger == nil || config.Signer == nil || config.Verifier == nil ||
		config.Validators == nil || config.Comm == nil || config.WAL == nil ||
		config.BlockBuilder == nil || config.BlockDeserializer == nil || config.Chain == nil {
		return nil, errors.New("missing collaborator in config")
	}
	if config.FutureHeightWindow == 0 {
		config.FutureHeightWindow = DefaultFutureHeightWindow
	}

	return &Controller{
		config:        config,
		logger:        config.Logger,
		timeouts:      NewTimeoutHandler(config.Logger, config.StartTime),
		events:        make(chan event, defaultEventBacklog),
		timeoutEvents: make(chan View, timeoutBacklog),
		closed:        make(chan struct{}),
		future:        make(map[uint64][]inboundMessage),
	}, nil
}

// Start recovers the active height from the write-ahead log and launches the
// run loop.
func (c *Controller) Start() error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	active := c.config.Chain.Height() + 1
	if len(c.validatorsAt(active)) == 0 {
		return errors.New("validator source returned an empty set")
	}
	c.startHeight(active)

	records, err := c.config.WAL.ReadAll()
	if err != nil {
		return err
	}
	if len(records) > 0 {
		if err := c.height.Recover(records); err != nil {
			// Records for a height the chain already passed mean we
			// crashed between append and truncation. They are settled.
			c.logger.Warn("Discarding unusable write-ahead log records", zap.Error(err))
			if err := c.config.WAL.Truncate(); err != nil {
				return err
			}
			c.startHeight(active)
		}
	}
	c.height.Start()

	c.wg.Add(1)
	go c.run()
	return nil
}

// Close stops the run loop and the height's timers. Safe to call twice.
func (c *Controller) Close() {
	c.once.Do(func() {
		close(c.closed)
	})
	c.wg.Wait()
	c.timeouts.Close()
	if c.height != nil {
		c.height.Stop()
	}
}

// HandleMessage enqueues an inbound message. Called from transport
// goroutines; it never blocks, dropping the message when the engine cannot
// keep up.
func (c *Controller) HandleMessage(msg *Message, from NodeID) {
	c.enqueue(event{message: &inboundMessage{msg: msg, from: from}})
}

// AdvanceTime moves the engine clock forward, firing any due timers.
func (c *Controller) AdvanceTime(now time.Time) {
	c.timeouts.Tick(now)
}

// Metadata returns the view the engine currently works on.
func (c *Controller) Metadata() View {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	return View{Height: c.height.Height(), Round: c.height.CurrentRound()}
}

func (c *Controller) enqueue(e event) {
	select {
	case c.events <- e:
	case <-c.closed:
	default:
		c.logger.Warn("Dropping event, queue is full")
	}
}

func (c *Controller) enqueueTimeout(v View) {
	select {
	case c.timeoutEvents <- v:
	case <-c.closed:
	default:
		c.logger.Warn("Dropping timeout, timer lane is full", zap.Stringer("view", v))
	}
}

func (c *Controller) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.closed:
			return
		case v := <-c.timeoutEvents:
			c.dispatchTimeout(v)
		case e := <-c.events:
			c.dispatch(e)
		}
	}
}

func (c *Controller) dispatchTimeout(v View) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	if v.Height != c.height.Height() {
		c.logger.Debug("Dropping timeout for an inactive height", zap.Stringer("view", v))
		return
	}
	c.height.HandleRoundTimeout(v)
}

func (c *Controller) dispatch(e event) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	switch {
	case e.message != nil:
		c.dispatchMessage(e.message)
	case e.built != nil:
		if e.built.view.Height != c.height.Height() {
			c.logger.Debug("Dropping block built for an inactive height",
				zap.Stringer("view", &e.built.view))
			return
		}
		c.height.HandleBlockBuilt(e.built.block, e.built.view)
	}
}

func (c *Controller) dispatchMessage(im *inboundMessage) {
	v, ok := im.msg.View()
	if !ok {
		c.logger.Warn("Received empty message", zap.Stringer("from", im.from))
		return
	}

	active := c.height.Height()
	switch {
	case v.Height < active:
		c.logger.Debug("Dropping message for a finalized height",
			zap.Stringer("view", &v), zap.Uint64("activeHeight", active))
	case v.Height == active:
		c.height.HandleMessage(im.msg, im.from)
	case v.Height <= active+c.config.FutureHeightWindow:
		buffered := c.future[v.Height]
		if len(buffered) >= futureHeightBacklog {
			c.logger.Debug("Dropping message, future height buffer is full",
				zap.Stringer("view", &v))
			return
		}
		c.future[v.Height] = append(buffered, *im)
	default:
		c.logger.Debug("Dropping message beyond the future height window",
			zap.Stringer("view", &v), zap.Uint64("activeHeight", active))
	}
}

// startHeight activates [height], replacing the retired manager.
func (c *Controller) startHeight(height uint64) {
	validators := c.validatorsAt(height)
	if len(validators) == 0 {
		// A run without validators can neither propose nor verify anything.
		c.logger.Fatal("Validator source returned an empty set", zap.Uint64("height", height))
		return
	}

	var parent BlockHeader
	if last, _, found := c.config.Chain.Retrieve(height - 1); found {
		parent = last.BlockHeader()
	}

	c.height = NewHeightManager(HeightConfig{
		Logger:            c.logger,
		ID:                c.config.ID,
		Signer:            c.config.Signer,
		Verifier:          c.config.Verifier,
		Validators:        validators,
		Height:            height,
		Parent:            parent,
		Comm:              c.config.Comm,
		WAL:               c.config.WAL,
		BlockBuilder:      c.config.BlockBuilder,
		BlockDeserializer: c.config.BlockDeserializer,
		Chain:             c.config.Chain,
		Reporter:          c.config.Reporter,
		Timeouts:          c.timeouts,
		RoundTimeout:      c.config.RoundTimeout,
		MaxRoundTimeout:   c.config.MaxRoundTimeout,
		BlockInterval:     c.config.BlockInterval,
		OnRoundTimeout: func(v View) {
			c.enqueueTimeout(v)
		},
		OnBlockBuilt: func(block Block, v View) {
			c.enqueue(event{built: &builtBlock{block: block, view: v}})
		},
		OnFinalize: c.onFinalize,
	})
}

// validatorsAt returns the validator set for [height], querying the source
// only when an epoch boundary was crossed.
func (c *Controller) validatorsAt(height uint64) []NodeID {
	epochLength := c.config.Validators.EpochLength()
	if epochLength == 0 {
		epochLength = 1
	}
	epoch := height / epochLength
	if c.validators == nil || epoch != c.epoch {
		c.validators = c.config.Validators.ValidatorsAt(height)
		c.epoch = epoch
	}
	return c.validators
}

// onFinalize runs on the consensus goroutine when the active height appended
// its block. It activates the next height and replays any traffic buffered
// for it.
func (c *Controller) onFinalize(block Block, certificate CommitCertificate) {
	if c.config.OnDecision != nil {
		c.config.OnDecision(block, certificate)
	}

	next := c.height.Height() + 1
	c.startHeight(next)
	c.height.Start()

	for height := range c.future {
		if height < next {
			delete(c.future, height)
		}
	}
	buffered := c.future[next]
	delete(c.future, next)
	for i := range buffered {
		c.height.HandleMessage(buffered[i].msg, buffered[i].from)
	}
}
