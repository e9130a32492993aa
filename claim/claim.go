// Package claim redeems the reward of a closed session.
package claim

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"powfaucet/faucet"
	"powfaucet/logger"
)

// ErrNoCredential is reported when a reward arrives without a credential.
var ErrNoCredential = errors.New("claim credential missing")

// Caller sends a request to the faucet server.
type Caller interface {
	Call(ctx context.Context, action string, req, resp any) error
}

// CaptchaFunc returns a verification token for the claim request, or "".
type CaptchaFunc func() string

// Result describes a finished claim.
type Result struct {
	Reward faucet.ClaimReward
	TxHash string
	Err    error
}

// Redeemer sends claimRewards for a closed session. Each credential is
// redeemed at most once and never retried.
type Redeemer struct {
	conn    Caller
	captcha CaptchaFunc
	timeout time.Duration
	log     *slog.Logger

	mu       sync.Mutex
	redeemed map[faucet.ClaimCredential]bool
	results  []Result
}

// NewRedeemer creates a redeemer. captcha may be nil.
func NewRedeemer(conn Caller, captcha CaptchaFunc, timeout time.Duration, log *slog.Logger) *Redeemer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Redeemer{
		conn:     conn,
		captcha:  captcha,
		timeout:  timeout,
		log:      logger.OrDefault(log, "claim"),
		redeemed: make(map[faucet.ClaimCredential]bool),
	}
}

// Begin redeems reward in the background and calls done exactly once with
// the outcome.
func (r *Redeemer) Begin(ctx context.Context, reward faucet.ClaimReward, done func(error)) {
	go func() {
		res := r.redeem(ctx, reward)

		r.mu.Lock()
		r.results = append(r.results, res)
		r.mu.Unlock()

		if done != nil {
			done(res.Err)
		}
	}()
}

func (r *Redeemer) redeem(ctx context.Context, reward faucet.ClaimReward) Result {
	res := Result{Reward: reward}
	if reward.Credential == "" {
		res.Err = ErrNoCredential
		return res
	}

	r.mu.Lock()
	used := r.redeemed[reward.Credential]
	r.redeemed[reward.Credential] = true
	r.mu.Unlock()
	if used {
		res.Err = errors.New("claim credential already used")
		return res
	}

	req := faucet.ClaimRequest{
		Token:      string(reward.Credential),
		TargetAddr: reward.Target,
	}
	if r.captcha != nil {
		req.Captcha = r.captcha()
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.log.Info("claiming reward",
		"session", reward.Session,
		"target", reward.Target,
		"amount", faucet.FormatAmount(reward.Balance))

	var rsp faucet.ClaimResponse
	if err := r.conn.Call(ctx, faucet.ActionClaimRewards, req, &rsp); err != nil {
		r.log.Error("claim failed", "session", reward.Session, "error", err)
		res.Err = err
		return res
	}

	r.log.Info("reward claimed", "session", reward.Session, "tx", rsp.TxHash)
	res.TxHash = rsp.TxHash
	return res
}

// Last returns the most recent claim result, if any.
func (r *Redeemer) Last() (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.results) == 0 {
		return Result{}, false
	}
	return r.results[len(r.results)-1], true
}
