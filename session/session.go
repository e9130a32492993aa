// Package session mirrors one server-side mining session on the client.
//
// A Session is created, closed and restored through requests over the
// faucet connection. It tracks the live SessionInfo, persists it so an
// interrupted session can be offered for restore after a restart, owns at
// most one worker pool, and emits update and killed notifications.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"powfaucet/event"
	"powfaucet/faucet"
	"powfaucet/logger"
	"powfaucet/store"
	"powfaucet/verify"
)

var (
	// ErrNoSession is returned by operations that need a live session.
	ErrNoSession = errors.New("no active session")
	// ErrSessionActive is returned when starting or restoring over a live
	// session.
	ErrSessionActive = errors.New("session already active")
	// ErrNoStoredSession is returned by Restore when nothing was stored.
	ErrNoStoredSession = errors.New("no stored session")
)

// Conn is the part of the faucet connection a session needs.
type Conn interface {
	Call(ctx context.Context, action string, req, resp any) error
	OnPush(action string, fn func(*faucet.Message)) *event.Subscription
}

// Store persists the live session across restarts.
type Store interface {
	Load(ctx context.Context) (*faucet.StoredSessionInfo, error)
	Save(ctx context.Context, info faucet.SessionInfo) error
	Clear(ctx context.Context) error
}

// WorkerPool is a running proof-of-work search attached to the session.
type WorkerPool interface {
	Stop()
}

// Options configures a Session.
type Options struct {
	Conn   Conn
	Store  Store // optional
	Logger *slog.Logger
}

// Session is the client-side view of one mining engagement.
type Session struct {
	conn  Conn
	store Store
	log   *slog.Logger

	mu     sync.Mutex
	info   *faucet.SessionInfo
	stored *faucet.StoredSessionInfo
	pool   WorkerPool

	updated event.Emitter[*faucet.SessionInfo]
	killed  event.Emitter[string]
	subs    *event.Group
}

// New creates a session bound to opts.Conn and loads the stored session
// snapshot, if any. Store failures are logged and treated as "nothing
// stored".
func New(ctx context.Context, opts Options) *Session {
	s := &Session{
		conn:  opts.Conn,
		store: opts.Store,
		log:   logger.OrDefault(opts.Logger, "session"),
	}

	if s.store != nil {
		stored, err := s.store.Load(ctx)
		switch {
		case err == nil:
			s.stored = stored
			s.log.Info("found stored session",
				"session", stored.SessionID,
				"target", stored.TargetAddr,
				"balance", faucet.FormatAmount(stored.Balance))
		case errors.Is(err, store.ErrNotFound):
		default:
			s.log.Warn("failed to load stored session", "error", err)
		}
	}

	s.subs = (&event.Group{}).Add(
		s.conn.OnPush(faucet.ActionUpdateBalance, s.handleBalance),
		s.conn.OnPush(faucet.ActionSessionKill, s.handleKill),
	)
	return s
}

// Detach stops listening for server pushes.
func (s *Session) Detach() {
	s.subs.Release()
}

// Start opens a new session for addr. token may be empty when the faucet
// does not require verification.
func (s *Session) Start(ctx context.Context, addr string, token verify.Token) error {
	s.mu.Lock()
	live := s.info != nil
	s.mu.Unlock()
	if live {
		return ErrSessionActive
	}

	var info faucet.SessionInfo
	req := faucet.StartSessionRequest{Addr: addr, Token: token.String()}
	if err := s.conn.Call(ctx, faucet.ActionStartSession, req, &info); err != nil {
		return err
	}
	if info.SessionID == "" {
		return fmt.Errorf("server returned no session id")
	}
	if info.TargetAddr == "" {
		info.TargetAddr = addr
	}

	s.mu.Lock()
	if s.info != nil {
		s.mu.Unlock()
		return ErrSessionActive
	}
	s.info = &info
	s.mu.Unlock()

	s.log.Info("session started", "session", info.SessionID, "target", info.TargetAddr)
	s.persist(ctx, info)
	s.emitUpdate()
	return nil
}

// Close ends the live session and returns the claim credential, which is
// empty when the balance was too low to claim. The local session is
// dropped even when the request fails; the stored record is only kept if
// the server could not be reached, so the session can still be restored.
func (s *Session) Close(ctx context.Context) (faucet.ClaimCredential, error) {
	s.mu.Lock()
	info := s.info
	s.mu.Unlock()
	if info == nil {
		return "", ErrNoSession
	}

	var rsp faucet.CloseSessionResponse
	err := s.conn.Call(ctx, faucet.ActionCloseSession, faucet.CloseSessionRequest{SessionID: info.SessionID}, &rsp)

	s.mu.Lock()
	// a kill may have ended the session while the request was in flight
	ended := s.info == info
	if ended {
		s.info = nil
	}
	s.mu.Unlock()

	var ferr *faucet.Error
	if err == nil || errors.As(err, &ferr) {
		s.clearStored(ctx)
	}
	if ended {
		s.emitUpdate()
	}

	if err != nil {
		return "", err
	}
	s.log.Info("session closed",
		"session", info.SessionID,
		"balance", faucet.FormatAmount(info.Balance),
		"claimable", rsp.Token != "")
	return faucet.ClaimCredential(rsp.Token), nil
}

// Restore resumes the stored session. On success it becomes the live
// session. A server rejection discards the stored record.
func (s *Session) Restore(ctx context.Context) error {
	s.mu.Lock()
	stored := s.stored
	live := s.info != nil
	s.mu.Unlock()
	if live {
		return ErrSessionActive
	}
	if stored == nil {
		return ErrNoStoredSession
	}

	var rsp faucet.ResumeSessionResponse
	err := s.conn.Call(ctx, faucet.ActionResumeSession,
		faucet.ResumeSessionRequest{SessionID: stored.SessionID}, &rsp)
	if err != nil {
		var ferr *faucet.Error
		if errors.As(err, &ferr) {
			s.clearStored(ctx)
		}
		return err
	}

	info := stored.SessionInfo
	info.Balance = rsp.Balance
	if rsp.StartTime != 0 {
		info.StartTime = rsp.StartTime
	}

	s.mu.Lock()
	if s.info != nil {
		s.mu.Unlock()
		return ErrSessionActive
	}
	s.info = &info
	s.stored = nil
	s.mu.Unlock()

	s.log.Info("session restored",
		"session", info.SessionID,
		"balance", faucet.FormatAmount(info.Balance))
	s.persist(ctx, info)
	s.emitUpdate()
	return nil
}

// Info returns a copy of the live session, or nil.
func (s *Session) Info() *faucet.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info == nil {
		return nil
	}
	info := *s.info
	return &info
}

// StoredInfo returns the session found in storage at startup, or nil once
// it has been restored or discarded.
func (s *Session) StoredInfo() *faucet.StoredSessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stored == nil {
		return nil
	}
	stored := *s.stored
	return &stored
}

// DiscardStored drops the stored session.
func (s *Session) DiscardStored(ctx context.Context) error {
	s.mu.Lock()
	s.stored = nil
	live := s.info != nil
	s.mu.Unlock()

	// the store slot belongs to the live session once one exists
	if live || s.store == nil {
		return nil
	}
	return s.store.Clear(ctx)
}

// WorkerPool returns the attached pool, or nil.
func (s *Session) WorkerPool() WorkerPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool
}

// SetWorkerPool attaches p, replacing any previous pool. Pass nil to detach.
func (s *Session) SetWorkerPool(p WorkerPool) {
	s.mu.Lock()
	s.pool = p
	s.mu.Unlock()
}

// SubmitShare reports a batch of solved nonces for the live session.
func (s *Session) SubmitShare(ctx context.Context, share faucet.Share) error {
	s.mu.Lock()
	info := s.info
	s.mu.Unlock()
	if info == nil {
		return ErrNoSession
	}

	share.SessionID = info.SessionID
	if err := s.conn.Call(ctx, faucet.ActionFoundShare, share, nil); err != nil {
		return fmt.Errorf("share rejected: %w", err)
	}
	return nil
}

// OnUpdate subscribes to session changes. The listener receives a copy of
// the live session, or nil when none is live.
func (s *Session) OnUpdate(fn func(*faucet.SessionInfo)) *event.Subscription {
	return s.updated.Subscribe(fn)
}

// OnKilled subscribes to server-side session terminations.
func (s *Session) OnKilled(fn func(reason string)) *event.Subscription {
	return s.killed.Subscribe(fn)
}

func (s *Session) handleBalance(msg *faucet.Message) {
	var u faucet.BalanceUpdate
	if err := msg.Decode(&u); err != nil {
		s.log.Warn("invalid balance update", "error", err)
		return
	}

	s.mu.Lock()
	if s.info == nil || (u.SessionID != "" && u.SessionID != s.info.SessionID) {
		s.mu.Unlock()
		return
	}
	s.info.Balance = u.Balance
	info := *s.info
	s.mu.Unlock()

	s.log.Debug("balance updated",
		"session", info.SessionID,
		"balance", faucet.FormatAmount(info.Balance),
		"recovered", u.Recovered)
	s.persist(context.Background(), info)
	s.emitUpdate()
}

func (s *Session) handleKill(msg *faucet.Message) {
	var k faucet.SessionKill
	if err := msg.Decode(&k); err != nil {
		s.log.Warn("invalid session kill", "error", err)
	}

	s.mu.Lock()
	if s.info == nil {
		s.mu.Unlock()
		return
	}
	id := s.info.SessionID
	s.info = nil
	s.stored = nil
	pool := s.pool
	s.pool = nil
	s.mu.Unlock()

	if pool != nil {
		pool.Stop()
	}
	s.log.Warn("session killed by server", "session", id, "level", k.Level, "reason", k.Message)
	s.clearStored(context.Background())

	s.killed.Emit(k.Message)
	s.emitUpdate()
}

func (s *Session) emitUpdate() {
	s.updated.Emit(s.Info())
}

func (s *Session) persist(ctx context.Context, info faucet.SessionInfo) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(ctx, info); err != nil {
		s.log.Warn("failed to persist session", "session", info.SessionID, "error", err)
	}
}

func (s *Session) clearStored(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := s.store.Clear(ctx); err != nil {
		s.log.Warn("failed to clear stored session", "error", err)
	}
}
