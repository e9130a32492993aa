// Package miner runs the proof-of-work search for a faucet session.
//
// A Pool spreads the nonce space over several worker goroutines. Each
// worker walks its own stride (worker i tries i, i+threads, i+2*threads,
// ...) so no nonce is tried twice. Solutions are collected into batches of
// NonceCount and submitted to the session as one share.
package miner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"powfaucet/faucet"
	"powfaucet/logger"
	"powfaucet/verify"
)

const submitTimeout = 30 * time.Second

// Inputs are the per-submission values supplied by the controller.
type Inputs struct {
	Address string
	Token   verify.Token
}

// InputFunc is called before each share submission. It must return the
// freshest address and verification token.
type InputFunc func() Inputs

// Submitter receives solved shares.
type Submitter interface {
	SubmitShare(ctx context.Context, share faucet.Share) error
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	Session    Submitter
	Params     faucet.PoWParams
	PreImage   string
	NonceCount int
	Inputs     InputFunc
	Threads    int // defaults to runtime.NumCPU()
	StartNonce uint64
	Logger     *slog.Logger
}

// Stats is a snapshot of pool progress.
type Stats struct {
	Threads       int
	HashRate      float64
	TotalHashes   uint64
	Shares        uint64
	Rejected      uint64
	PendingNonces int
	Started       time.Time
}

// Pool is a running proof-of-work search.
type Pool struct {
	opts   PoolOptions
	hasher Hasher
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	found  chan uint64

	started  time.Time
	hashes   atomic.Uint64
	shares   atomic.Uint64
	rejected atomic.Uint64

	mu      sync.Mutex
	pending []uint64
}

// NewPool validates opts and starts the workers.
func NewPool(opts PoolOptions) (*Pool, error) {
	if opts.Session == nil {
		return nil, errors.New("miner: pool needs a session")
	}
	hasher, err := NewHasher(opts.Params)
	if err != nil {
		return nil, fmt.Errorf("miner: %w", err)
	}
	if opts.NonceCount <= 0 {
		opts.NonceCount = 1
	}
	if opts.Threads <= 0 {
		opts.Threads = runtime.NumCPU()
	}
	if opts.Inputs == nil {
		opts.Inputs = func() Inputs { return Inputs{} }
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	p := &Pool{
		opts:    opts,
		hasher:  hasher,
		log:     logger.OrDefault(opts.Logger, "miner"),
		ctx:     gctx,
		cancel:  cancel,
		group:   group,
		found:   make(chan uint64, opts.Threads),
		started: time.Now(),
	}

	p.log.Info("starting workers",
		"threads", opts.Threads,
		"algorithm", opts.Params.Algorithm,
		"difficulty", opts.Params.Difficulty,
		"nonce_count", opts.NonceCount)

	for i := 0; i < opts.Threads; i++ {
		workerID := i
		group.Go(func() error { return p.work(workerID) })
	}
	group.Go(p.collect)
	return p, nil
}

func (p *Pool) work(workerID int) error {
	preimage := []byte(p.opts.PreImage)
	nonce := p.opts.StartNonce + uint64(workerID)
	stride := uint64(p.opts.Threads)

	for {
		select {
		case <-p.ctx.Done():
			return nil
		default:
		}

		hash, err := p.hasher.Hash(preimage, nonce)
		if err != nil {
			return fmt.Errorf("worker %d: %w", workerID, err)
		}
		p.hashes.Add(1)

		if LeadingZeroBits(hash) >= p.opts.Params.Difficulty {
			select {
			case p.found <- nonce:
			case <-p.ctx.Done():
				return nil
			}
		}

		nonce += stride
	}
}

func (p *Pool) collect() error {
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case nonce := <-p.found:
			p.mu.Lock()
			p.pending = append(p.pending, nonce)
			var batch []uint64
			if len(p.pending) >= p.opts.NonceCount {
				batch = p.pending
				p.pending = nil
			}
			p.mu.Unlock()

			if batch != nil {
				p.submit(batch)
			}
		}
	}
}

func (p *Pool) submit(nonces []uint64) {
	inputs := p.opts.Inputs()
	share := faucet.Share{
		Nonces:   nonces,
		Params:   p.opts.Params.ParamsKey(),
		HashRate: p.Stats().HashRate,
		Captcha:  inputs.Token.String(),
	}

	ctx, cancel := context.WithTimeout(p.ctx, submitTimeout)
	defer cancel()

	if err := p.opts.Session.SubmitShare(ctx, share); err != nil {
		if p.ctx.Err() != nil {
			return
		}
		p.rejected.Add(1)
		p.log.Warn("share submission failed", "nonces", len(nonces), "error", err)
		return
	}
	p.shares.Add(1)
	p.log.Debug("share submitted", "nonces", len(nonces), "target", inputs.Address)
}

// Stop cancels the workers without waiting for them.
func (p *Pool) Stop() {
	p.cancel()
}

// Wait blocks until every worker has exited and returns the first worker
// error, if any.
func (p *Pool) Wait() error {
	return p.group.Wait()
}

// Done is closed once the pool has been stopped.
func (p *Pool) Done() <-chan struct{} {
	return p.ctx.Done()
}

// Stats returns a snapshot of the pool's progress.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	pending := len(p.pending)
	p.mu.Unlock()

	total := p.hashes.Load()
	var rate float64
	if elapsed := time.Since(p.started).Seconds(); elapsed > 0 {
		rate = float64(total) / elapsed
	}

	return Stats{
		Threads:       p.opts.Threads,
		HashRate:      rate,
		TotalHashes:   total,
		Shares:        p.shares.Load(),
		Rejected:      p.rejected.Load(),
		PendingNonces: pending,
		Started:       p.started,
	}
}
