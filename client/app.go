package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"powfaucet/claim"
	"powfaucet/config"
	"powfaucet/controller"
	"powfaucet/faucet"
	"powfaucet/miner"
	"powfaucet/powclient"
	"powfaucet/session"
	"powfaucet/store"
	"powfaucet/verify"
)

// stopGrace bounds how long shutdown waits for an in-flight close or claim.
const stopGrace = 15 * time.Second

// App wires the faucet client together: connection, session store,
// session, verification widget, claim flow and controller.
type App struct {
	cfg *config.ClientConfig
	log *slog.Logger

	store  *store.SQLiteStore
	conn   *powclient.Client
	sess   *session.Session
	widget *verify.Manual
	claims *claim.Redeemer
	ctrl   *controller.Controller

	threads atomic.Int32
}

// NewApp opens the session store and builds every collaborator. Nothing
// connects until Run.
func NewApp(ctx context.Context, cfg *config.ClientConfig, log *slog.Logger) (*App, error) {
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:    cfg,
		log:    log,
		store:  st,
		widget: verify.NewManual(),
	}
	a.threads.Store(int32(cfg.Mining.Threads))

	a.conn = powclient.New(powclient.Options{
		URL:            cfg.Server.URL,
		Origin:         cfg.Server.Origin,
		RetryInterval:  cfg.Network.RetryInterval,
		MaxRetryTime:   cfg.Network.MaxRetryTime,
		RequestTimeout: cfg.Network.RequestTimeout,
		PingInterval:   cfg.Network.PingInterval,
		Logger:         log,
	})
	a.sess = session.New(ctx, session.Options{Conn: a.conn, Store: st, Logger: log})
	a.claims = claim.NewRedeemer(a.conn, nil, cfg.Network.RequestTimeout, log)
	a.ctrl = controller.New(controller.Options{
		Connection: a.conn,
		Session:    a.sess,
		Widget:     a.widget,
		Pools:      a.newPool,
		Claims:     a.claims,
		Logger:     log,
	})

	if cfg.Mining.TargetAddress != "" {
		a.ctrl.SetTargetAddress(cfg.Mining.TargetAddress)
	}
	if cfg.Captcha.Token != "" {
		a.ctrl.SubmitToken(verify.NewToken(cfg.Captcha.Token))
	}
	return a, nil
}

func (a *App) newPool(cfg *faucet.FaucetConfig, inputs miner.InputFunc) (controller.WorkerPool, error) {
	info := a.sess.Info()
	if info == nil {
		return nil, session.ErrNoSession
	}

	pool, err := miner.NewPool(miner.PoolOptions{
		Session:    a.sess,
		Params:     cfg.PoWParams,
		PreImage:   info.PreImage,
		NonceCount: cfg.NonceCount,
		Inputs:     inputs,
		Threads:    int(a.threads.Load()),
		Logger:     a.log,
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// SetThreads changes the worker count used for pools created from now on.
func (a *App) SetThreads(n int) {
	if n > 0 {
		a.threads.Store(int32(n))
	}
}

// Run connects to the faucet and blocks until ctx is cancelled or the
// connection gives up.
func (a *App) Run(ctx context.Context) error {
	a.ctrl.Attach()

	// the connection outlives ctx so Shutdown can still close the session
	errCh := make(chan error, 1)
	go func() { errCh <- a.conn.Run(context.WithoutCancel(ctx)) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, powclient.ErrClosed) {
			return nil
		}
		return fmt.Errorf("faucet connection failed: %w", err)
	}
}

// Shutdown stops mining, waits briefly for the session to close and any
// claim to finish, then releases every resource.
func (a *App) Shutdown(ctx context.Context) {
	if a.ctrl.Status() == controller.StatusRunning {
		if err := a.ctrl.Stop(ctx); err != nil {
			a.log.Warn("failed to stop mining", "error", err)
		}
	}

	deadline := time.Now().Add(stopGrace)
	for a.ctrl.Status() != controller.StatusIdle && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if st := a.ctrl.Status(); st != controller.StatusIdle {
		a.log.Warn("shutting down while busy", "status", st)
	}

	a.ctrl.Close()
	a.sess.Detach()
	a.conn.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close session store", "error", err)
	}
}
