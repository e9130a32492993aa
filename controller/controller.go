// Package controller implements the mining session controller.
//
// The Controller is a presentation-independent state machine that owns the
// mining lifecycle. It mediates between the faucet connection, the session
// and the worker pool, decides when a verification token is needed and when
// a claim or restore offer is shown. Presentation code reads immutable
// View snapshots and forwards user intents as method calls.
//
// All transitions are serialized by one mutex. Blocking calls to the
// session and the claim flow run in their own goroutines; their results
// re-enter the controller and are discarded when the state they were
// started from is no longer current.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"powfaucet/event"
	"powfaucet/faucet"
	"powfaucet/logger"
	"powfaucet/miner"
	"powfaucet/session"
	"powfaucet/verify"
)

var (
	// ErrVerificationRequired is returned by Start when the faucet needs a
	// verification token and none has been supplied.
	ErrVerificationRequired = errors.New("verification required")
	// ErrBusy is returned when an intent is not allowed in the current state.
	ErrBusy = errors.New("controller busy")
	// ErrNoAddress is returned by Start without a target address.
	ErrNoAddress = errors.New("no target address")
	// ErrNotReady is returned by Start before the faucet config arrived.
	ErrNotReady = errors.New("faucet config not received yet")
	// ErrNotRunning is returned by Stop when not mining.
	ErrNotRunning = errors.New("not mining")
	// ErrNoRestoreOffer is returned by ResolveRestore without an offer.
	ErrNoRestoreOffer = errors.New("no restore offer pending")
)

// Advisory titles.
const (
	TitleStartFailed   = "Could not start session."
	TitlePoolFailed    = "Could not start mining."
	TitleCloseFailed   = "Could not close session."
	TitleKilled        = "Session killed!"
	TitleRestoreFailed = "Could not restore session."
	TitleClaimFailed   = "Claim failed."
)

// Connection is the faucet server connection.
type Connection interface {
	Config() *faucet.FaucetConfig
	OnOpen(fn func(*faucet.FaucetConfig)) *event.Subscription
}

// Session is the mining session the controller drives.
type Session interface {
	Start(ctx context.Context, addr string, token verify.Token) error
	Close(ctx context.Context) (faucet.ClaimCredential, error)
	Restore(ctx context.Context) error
	Info() *faucet.SessionInfo
	StoredInfo() *faucet.StoredSessionInfo
	DiscardStored(ctx context.Context) error
	WorkerPool() session.WorkerPool
	SetWorkerPool(p session.WorkerPool)
	OnUpdate(fn func(*faucet.SessionInfo)) *event.Subscription
	OnKilled(fn func(reason string)) *event.Subscription
}

// WorkerPool is a running proof-of-work search.
type WorkerPool interface {
	Stop()
	Stats() miner.Stats
}

// PoolFactory creates the worker pool for a live session. inputs must be
// called before every share submission.
type PoolFactory func(cfg *faucet.FaucetConfig, inputs miner.InputFunc) (WorkerPool, error)

// ClaimFlow redeems the reward of a closed session and reports back through
// done exactly once.
type ClaimFlow interface {
	Begin(ctx context.Context, reward faucet.ClaimReward, done func(error))
}

// Advisory is a transient notice for the user. At most one is pending.
type Advisory struct {
	Title   string
	Message string
	Fatal   bool
}

// Options wires a Controller to its collaborators.
type Options struct {
	Connection Connection
	Session    Session
	Widget     verify.Widget // optional
	Pools      PoolFactory
	Claims     ClaimFlow // optional; without it ClaimFinished must be called by hand
	Logger     *slog.Logger
}

// Controller is the mining session state machine.
type Controller struct {
	conn   Connection
	sess   Session
	widget verify.Widget
	pools  PoolFactory
	claims ClaimFlow
	slot   *verify.Slot
	log    *slog.Logger

	mu             sync.Mutex
	state          state
	attempt        uint64
	config         *faucet.FaucetConfig
	address        string
	claimable      bool
	restoreOffer   *faucet.StoredSessionInfo
	restoreOffered bool
	restoring      bool // Session.Restore in flight
	claimOffer     *faucet.ClaimReward
	advisory       *Advisory

	changed event.Emitter[View]
	subs    *event.Group
}

// New creates an idle controller. Call Attach to start receiving
// notifications.
func New(opts Options) *Controller {
	return &Controller{
		conn:   opts.Connection,
		sess:   opts.Session,
		widget: opts.Widget,
		pools:  opts.Pools,
		claims: opts.Claims,
		slot:   verify.NewSlot(opts.Widget),
		log:    logger.OrDefault(opts.Logger, "controller"),
		state:  idleState{},
		subs:   &event.Group{},
	}
}

// Attach subscribes to the connection, the session and the widget. If the
// connection already has a config it is applied right away. The returned
// group is also released by Close.
func (c *Controller) Attach() *event.Group {
	c.subs.Add(
		c.conn.OnOpen(c.handleOpen),
		c.sess.OnUpdate(c.handleUpdate),
		c.sess.OnKilled(c.handleKilled),
	)
	if c.widget != nil {
		c.subs.Add(c.widget.OnToken(c.handleToken))
	}

	if cfg := c.conn.Config(); cfg != nil {
		c.handleOpen(cfg)
	}
	return c.subs
}

// Close releases all subscriptions and stops the worker pool, if any.
func (c *Controller) Close() {
	c.subs.Release()

	c.mu.Lock()
	pool := poolOf(c.state)
	c.mu.Unlock()
	if pool != nil {
		pool.Stop()
	}
}

// OnChange subscribes to state changes. The listener receives the view
// after each transition.
func (c *Controller) OnChange(fn func(View)) *event.Subscription {
	return c.changed.Subscribe(fn)
}

// Status returns the current mining status.
func (c *Controller) Status() MiningStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.status()
}

// SetTargetAddress sets the reward address. It can only change while idle.
func (c *Controller) SetTargetAddress(addr string) error {
	c.mu.Lock()
	if _, ok := c.state.(idleState); !ok {
		c.mu.Unlock()
		return ErrBusy
	}
	c.address = addr
	c.mu.Unlock()

	c.notify()
	return nil
}

// SubmitToken stores a verification token, as if the widget produced it.
func (c *Controller) SubmitToken(t verify.Token) {
	c.handleToken(t)
}

// Start begins a new session for addr, or for the current target address
// when addr is empty. It returns once the start request is under way; the
// outcome is reported through OnChange.
func (c *Controller) Start(ctx context.Context, addr string) error {
	c.mu.Lock()
	if addr == "" {
		addr = c.address
	}
	switch {
	case addr == "":
		c.mu.Unlock()
		return ErrNoAddress
	case c.state.status() != StatusIdle, c.restoring:
		c.mu.Unlock()
		return ErrBusy
	case c.config == nil:
		c.mu.Unlock()
		return ErrNotReady
	}
	cfg := c.config
	needToken := cfg.RequiresSessionVerification()
	if needToken && !c.slot.Ready() {
		c.mu.Unlock()
		return ErrVerificationRequired
	}

	c.attempt++
	attempt := c.attempt
	c.state = startingState{attempt: attempt}
	c.address = addr
	c.restoreOffer = nil
	c.mu.Unlock()

	// the token is single use whatever the outcome
	var token verify.Token
	if needToken {
		token = c.slot.Take()
	}

	c.log.Info("starting session", "target", addr, "attempt", attempt)
	c.notify()

	ctx = context.WithoutCancel(ctx)
	go func() {
		err := c.sess.Start(ctx, addr, token)
		c.finishStart(ctx, attempt, err)
	}()
	return nil
}

func (c *Controller) finishStart(ctx context.Context, attempt uint64, err error) {
	c.mu.Lock()
	st, ok := c.state.(startingState)
	if !ok || st.attempt != attempt {
		_, idle := c.state.(idleState)
		c.mu.Unlock()

		c.log.Debug("discarding stale start result", "attempt", attempt, "error", err)
		if err == nil && idle && c.sess.Info() != nil {
			// terminated while starting: do not leak the server session
			c.closeOrphan(ctx)
		}
		return
	}

	if err != nil {
		c.state = idleState{}
		c.setAdvisory(TitleStartFailed, err.Error(), false)
		c.mu.Unlock()

		c.log.Warn("session start rejected", "error", err)
		c.notify()
		return
	}

	info := c.sess.Info()
	pool, perr := c.newPool()
	if perr != nil {
		c.state = idleState{}
		c.setAdvisory(TitlePoolFailed, perr.Error(), false)
		c.mu.Unlock()

		c.log.Error("failed to create worker pool", "error", perr)
		c.closeOrphan(ctx)
		c.notify()
		return
	}

	c.state = runningState{attempt: attempt, pool: pool}
	c.claimable = info != nil && c.config.Claimable(info.Balance)
	c.mu.Unlock()

	c.log.Info("mining started", "attempt", attempt)
	c.notify()
}

// newPool creates a pool and attaches it to the session. c.mu must be held.
func (c *Controller) newPool() (WorkerPool, error) {
	pool, err := c.pools(c.config, c.takeInputs)
	if err != nil {
		return nil, err
	}
	c.sess.SetWorkerPool(pool)
	return pool, nil
}

func (c *Controller) closeOrphan(ctx context.Context) {
	go func() {
		if _, err := c.sess.Close(ctx); err != nil {
			c.log.Warn("failed to close orphaned session", "error", err)
		}
	}()
}

// takeInputs supplies the worker pool before each share submission. The
// token is taken out of the slot on every read.
func (c *Controller) takeInputs() miner.Inputs {
	c.mu.Lock()
	in := miner.Inputs{Address: c.address}
	needToken := c.config.RequiresShareVerification()
	c.mu.Unlock()

	if needToken {
		in.Token = c.slot.Take()
		c.notify()
	}
	return in
}

// Stop stops the worker pool immediately and closes the session. The close
// result is reported through OnChange.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	st, ok := c.state.(runningState)
	if !ok {
		c.mu.Unlock()
		return ErrNotRunning
	}

	var snapshot faucet.SessionInfo
	if info := c.sess.Info(); info != nil {
		snapshot = *info
	}
	c.state = stoppingState{attempt: st.attempt, pool: st.pool, snapshot: snapshot}
	c.mu.Unlock()

	st.pool.Stop()
	c.log.Info("stopping session", "session", snapshot.SessionID, "balance", faucet.FormatAmount(snapshot.Balance))
	c.notify()

	ctx = context.WithoutCancel(ctx)
	go func() {
		cred, err := c.sess.Close(ctx)
		c.finishClose(ctx, st.attempt, cred, err)
	}()
	return nil
}

func (c *Controller) finishClose(ctx context.Context, attempt uint64, cred faucet.ClaimCredential, err error) {
	c.mu.Lock()
	st, ok := c.state.(stoppingState)
	if !ok || st.attempt != attempt {
		c.mu.Unlock()
		c.log.Debug("discarding stale close result", "attempt", attempt, "error", err)
		return
	}
	c.sess.SetWorkerPool(nil)

	if err != nil || cred == "" {
		c.state = idleState{}
		c.claimable = false
		if err != nil {
			c.setAdvisory(TitleCloseFailed, err.Error(), false)
		}
		c.mu.Unlock()

		if err != nil {
			c.log.Warn("session close failed", "error", err)
		} else {
			c.log.Info("session closed without claimable reward")
		}
		c.notify()
		return
	}

	reward := faucet.ClaimReward{
		Session:    st.snapshot.SessionID,
		StartTime:  st.snapshot.StartTime,
		Target:     st.snapshot.TargetAddr,
		Balance:    st.snapshot.Balance,
		Credential: cred,
	}
	c.state = claimingState{attempt: attempt, reward: reward}
	offer := reward
	c.claimOffer = &offer
	claims := c.claims
	c.mu.Unlock()

	c.log.Info("handing reward to claim flow",
		"session", reward.Session,
		"amount", faucet.FormatAmount(reward.Balance))
	c.notify()

	if claims != nil {
		claims.Begin(ctx, reward, c.ClaimFinished)
	}
}

// ClaimFinished finalizes the claim hand-off. A non-nil err is shown as an
// advisory. Calls outside the hand-off are ignored.
func (c *Controller) ClaimFinished(err error) {
	c.mu.Lock()
	if _, ok := c.state.(claimingState); !ok {
		c.mu.Unlock()
		return
	}
	c.state = idleState{}
	c.claimOffer = nil
	c.claimable = false
	c.address = ""
	if err != nil {
		c.setAdvisory(TitleClaimFailed, err.Error(), false)
	}
	c.mu.Unlock()

	c.notify()
}

// ResolveRestore answers the restore offer. Resuming restores the stored
// session; the controller starts mining once the session reports it is
// live, and refuses Start until the restore has resolved. Declining
// discards the stored session.
func (c *Controller) ResolveRestore(ctx context.Context, resume bool) error {
	c.mu.Lock()
	offer := c.restoreOffer
	c.restoreOffer = nil
	if offer != nil && resume {
		c.restoring = true
	}
	c.mu.Unlock()
	if offer == nil {
		return ErrNoRestoreOffer
	}
	c.notify()

	ctx = context.WithoutCancel(ctx)
	if !resume {
		if err := c.sess.DiscardStored(ctx); err != nil {
			c.log.Warn("failed to discard stored session", "error", err)
		}
		return nil
	}

	c.log.Info("restoring session", "session", offer.SessionID)
	go func() {
		err := c.sess.Restore(ctx)

		c.mu.Lock()
		c.restoring = false
		if err != nil {
			c.setAdvisory(TitleRestoreFailed, err.Error(), false)
		}
		c.mu.Unlock()

		if err != nil {
			c.log.Warn("session restore failed", "session", offer.SessionID, "error", err)
		}
		c.notify()
	}()
	return nil
}

// DismissAdvisory clears the pending advisory.
func (c *Controller) DismissAdvisory() {
	c.mu.Lock()
	c.advisory = nil
	c.mu.Unlock()
	c.notify()
}

// setAdvisory replaces the pending advisory. c.mu must be held.
func (c *Controller) setAdvisory(title, message string, fatal bool) {
	c.advisory = &Advisory{Title: title, Message: message, Fatal: fatal}
}

func (c *Controller) handleOpen(cfg *faucet.FaucetConfig) {
	c.mu.Lock()
	c.config = cfg
	if _, idle := c.state.(idleState); idle && !c.restoreOffered {
		if stored := c.sess.StoredInfo(); stored != nil {
			c.restoreOffer = stored
			c.restoreOffered = true
		}
	}
	offered := c.restoreOffer != nil
	c.mu.Unlock()

	c.log.Debug("faucet config received", "title", cfg.Title, "restore_offer", offered)
	c.notify()
}

func (c *Controller) handleUpdate(info *faucet.SessionInfo) {
	var stopPool WorkerPool

	c.mu.Lock()
	switch st := c.state.(type) {
	case idleState:
		if info == nil {
			c.mu.Unlock()
			return
		}
		if c.config == nil {
			c.mu.Unlock()
			c.log.Warn("session became live before faucet config arrived", "session", info.SessionID)
			return
		}

		// restore edge: the session went live without a start
		pool, ok := c.sess.WorkerPool().(WorkerPool)
		if !ok || pool == nil {
			var err error
			if pool, err = c.newPool(); err != nil {
				c.setAdvisory(TitlePoolFailed, err.Error(), false)
				c.restoreOffer = nil
				c.mu.Unlock()
				c.log.Error("failed to create worker pool", "error", err)
				c.closeOrphan(context.Background())
				c.notify()
				return
			}
		}
		c.attempt++
		c.state = runningState{attempt: c.attempt, pool: pool}
		c.address = info.TargetAddr
		c.claimable = c.config.Claimable(info.Balance)
		c.restoreOffer = nil
		c.log.Info("session resumed", "session", info.SessionID)

	case runningState, interruptedState:
		if info != nil {
			c.claimable = c.config.Claimable(info.Balance)
			break
		}
		stopPool = poolOf(st)
		c.terminate()
		c.log.Info("session ended")

	case startingState, stoppingState:
		if info != nil {
			c.claimable = c.config.Claimable(info.Balance)
		}

	case claimingState:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if stopPool != nil {
		stopPool.Stop()
	}
	c.notify()
}

func (c *Controller) handleKilled(reason string) {
	c.mu.Lock()
	switch c.state.(type) {
	case idleState, claimingState:
		c.mu.Unlock()
		return
	}
	pool := poolOf(c.state)
	c.terminate()
	if reason != "" {
		c.setAdvisory(TitleKilled, reason, true)
	}
	c.mu.Unlock()

	if pool != nil {
		pool.Stop()
	}
	c.log.Warn("session killed", "reason", reason)
	c.notify()
}

// terminate drops back to idle after the session ended on its own. c.mu
// must be held.
func (c *Controller) terminate() {
	c.state = idleState{}
	c.claimable = false
	c.address = ""
	c.sess.SetWorkerPool(nil)
}

func (c *Controller) handleToken(t verify.Token) {
	if t.Empty() {
		return
	}
	c.slot.Put(t)
	c.notify()
}

func (c *Controller) notify() {
	c.changed.Emit(c.View())
}
