package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"powfaucet/event"
	"powfaucet/faucet"
	"powfaucet/miner"
	"powfaucet/session"
	"powfaucet/verify"
)

type fakeConn struct {
	mu     sync.Mutex
	config *faucet.FaucetConfig
	opened event.Emitter[*faucet.FaucetConfig]
}

func (f *fakeConn) Config() *faucet.FaucetConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config
}

func (f *fakeConn) OnOpen(fn func(*faucet.FaucetConfig)) *event.Subscription {
	return f.opened.Subscribe(fn)
}

func (f *fakeConn) open(cfg *faucet.FaucetConfig) {
	f.mu.Lock()
	f.config = cfg
	f.mu.Unlock()
	f.opened.Emit(cfg)
}

type startCall struct {
	addr  string
	token verify.Token
}

type closeResult struct {
	cred faucet.ClaimCredential
	err  error
}

// fakeSession blocks Start, Close and Restore until the test supplies a
// result, so every interleaving can be driven by hand.
type fakeSession struct {
	mu         sync.Mutex
	info       *faucet.SessionInfo
	stored     *faucet.StoredSessionInfo
	pool       session.WorkerPool
	starts     []startCall
	closes     int
	restores   int
	discarded  int
	startRes   chan error
	closeRes   chan closeResult
	restoreRes chan error

	updated event.Emitter[*faucet.SessionInfo]
	killed  event.Emitter[string]
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		startRes:   make(chan error, 1),
		closeRes:   make(chan closeResult, 1),
		restoreRes: make(chan error, 1),
	}
}

func (f *fakeSession) Start(ctx context.Context, addr string, token verify.Token) error {
	f.mu.Lock()
	f.starts = append(f.starts, startCall{addr: addr, token: token})
	f.mu.Unlock()

	if err := <-f.startRes; err != nil {
		return err
	}
	f.mu.Lock()
	f.info = &faucet.SessionInfo{SessionID: "s1", TargetAddr: addr, StartTime: 1000}
	f.mu.Unlock()
	f.emitUpdate()
	return nil
}

func (f *fakeSession) Close(ctx context.Context) (faucet.ClaimCredential, error) {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()

	res := <-f.closeRes
	f.mu.Lock()
	f.info = nil
	f.mu.Unlock()
	f.emitUpdate()
	return res.cred, res.err
}

func (f *fakeSession) Restore(ctx context.Context) error {
	f.mu.Lock()
	f.restores++
	f.mu.Unlock()

	if err := <-f.restoreRes; err != nil {
		return err
	}
	f.mu.Lock()
	info := f.stored.SessionInfo
	f.info = &info
	f.stored = nil
	f.mu.Unlock()
	f.emitUpdate()
	return nil
}

func (f *fakeSession) Info() *faucet.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.info == nil {
		return nil
	}
	info := *f.info
	return &info
}

func (f *fakeSession) StoredInfo() *faucet.StoredSessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored
}

func (f *fakeSession) DiscardStored(ctx context.Context) error {
	f.mu.Lock()
	f.stored = nil
	f.discarded++
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) WorkerPool() session.WorkerPool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pool
}

func (f *fakeSession) SetWorkerPool(p session.WorkerPool) {
	f.mu.Lock()
	f.pool = p
	f.mu.Unlock()
}

func (f *fakeSession) OnUpdate(fn func(*faucet.SessionInfo)) *event.Subscription {
	return f.updated.Subscribe(fn)
}

func (f *fakeSession) OnKilled(fn func(string)) *event.Subscription {
	return f.killed.Subscribe(fn)
}

func (f *fakeSession) emitUpdate() {
	f.updated.Emit(f.Info())
}

func (f *fakeSession) setBalance(b uint64) {
	f.mu.Lock()
	f.info.Balance = b
	f.mu.Unlock()
	f.emitUpdate()
}

// kill mimics a server-side termination: live info is dropped, killed is
// emitted, then update.
func (f *fakeSession) kill(reason string) {
	f.mu.Lock()
	f.info = nil
	f.pool = nil
	f.mu.Unlock()
	f.killed.Emit(reason)
	f.emitUpdate()
}

func (f *fakeSession) startCalls() []startCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]startCall(nil), f.starts...)
}

func (f *fakeSession) closeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakePool struct {
	mu      sync.Mutex
	stopped int
	inputs  miner.InputFunc
}

func (p *fakePool) Stop() {
	p.mu.Lock()
	p.stopped++
	p.mu.Unlock()
}

func (p *fakePool) Stats() miner.Stats {
	return miner.Stats{Threads: 1}
}

func (p *fakePool) stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

type poolRecorder struct {
	mu    sync.Mutex
	pools []*fakePool
	err   error
}

func (r *poolRecorder) factory(cfg *faucet.FaucetConfig, inputs miner.InputFunc) (WorkerPool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	p := &fakePool{inputs: inputs}
	r.pools = append(r.pools, p)
	return p, nil
}

func (r *poolRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

func (r *poolRecorder) last() *fakePool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pools) == 0 {
		return nil
	}
	return r.pools[len(r.pools)-1]
}

type fakeClaims struct {
	mu      sync.Mutex
	rewards []faucet.ClaimReward
	done    []func(error)
}

func (f *fakeClaims) Begin(ctx context.Context, reward faucet.ClaimReward, done func(error)) {
	f.mu.Lock()
	f.rewards = append(f.rewards, reward)
	f.done = append(f.done, done)
	f.mu.Unlock()
}

func (f *fakeClaims) began() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rewards)
}

func (f *fakeClaims) finish(err error) {
	f.mu.Lock()
	done := f.done[len(f.done)-1]
	f.mu.Unlock()
	done(err)
}

type harness struct {
	t      *testing.T
	ctrl   *Controller
	conn   *fakeConn
	sess   *fakeSession
	pools  *poolRecorder
	claims *fakeClaims
	widget *verify.Manual

	mu    sync.Mutex
	views []View
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		conn:   &fakeConn{},
		sess:   newFakeSession(),
		pools:  &poolRecorder{},
		claims: &fakeClaims{},
		widget: verify.NewManual(),
	}
	h.ctrl = New(Options{
		Connection: h.conn,
		Session:    h.sess,
		Widget:     h.widget,
		Pools:      h.pools.factory,
		Claims:     h.claims,
	})
	h.ctrl.OnChange(func(v View) {
		h.mu.Lock()
		h.views = append(h.views, v)
		h.mu.Unlock()
	})
	h.ctrl.Attach()
	t.Cleanup(h.ctrl.Close)
	return h
}

// checkPoolInvariant verifies every published view: a pool exists iff the
// controller is running or stopping before the claim hand-off.
func (h *harness) checkPoolInvariant() {
	h.t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, v := range h.views {
		want := v.Status == StatusRunning || (v.Status == StatusStopping && !v.Claiming)
		if v.HasPool() != want {
			h.t.Errorf("view %d: status %s claiming=%v has pool=%v", i, v.Status, v.Claiming, v.HasPool())
		}
	}
}

func (h *harness) waitStatus(want MiningStatus) {
	h.t.Helper()
	h.eventually(func() bool { return h.ctrl.Status() == want }, "status "+want.String())
}

func (h *harness) eventually(cond func() bool, what string) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("Timed out waiting for %s (status %s)", what, h.ctrl.Status())
		}
		time.Sleep(time.Millisecond)
	}
}

// run opens the connection with cfg and drives a session to RUNNING.
func (h *harness) run(cfg *faucet.FaucetConfig, addr string) {
	h.t.Helper()
	h.conn.open(cfg)
	if err := h.ctrl.Start(context.Background(), addr); err != nil {
		h.t.Fatalf("Start failed: %v", err)
	}
	h.sess.startRes <- nil
	h.waitStatus(StatusRunning)
}

var errRateLimited = errors.New("rate limited")
