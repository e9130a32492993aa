package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"powfaucet/config"
	"powfaucet/faucet"
	"powfaucet/miner"
)

// Error codes reported to clients.
const (
	codeBadRequest     = "BAD_REQUEST"
	codeInvalidAddr    = "INVALID_ADDR"
	codeCaptcha        = "INVALID_CAPTCHA"
	codeInvalidSession = "INVALID_SESSION"
	codeSessionActive  = "SESSION_ACTIVE"
	codeInvalidShare   = "INVALID_SHARE"
	codeInvalidClaim   = "INVALID_CLAIM"
	codeClaimUsed      = "CLAIM_USED"
	codeUnknownAction  = "UNKNOWN_ACTION"
	codeInternal       = "INTERNAL"
)

// Session kill levels.
const (
	killInvalid = "invalid"
	killTimeout = "timeout"
)

func faucetError(code, format string, args ...any) *faucet.Error {
	return &faucet.Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// pusher delivers server pushes to a connected client.
type pusher interface {
	push(action string, v any)
}

// sessionRecord is a live mining session.
type sessionRecord struct {
	info      faucet.SessionInfo
	owner     pusher // nil while no client is attached
	nonces    map[uint64]struct{}
	shares    int64
	lastShare time.Time
}

// FaucetStats summarizes the registry for the status endpoint.
type FaucetStats struct {
	ActiveSessions int    `json:"activeSessions"`
	TotalBalance   string `json:"totalBalance"`
	SharesAccepted int64  `json:"sharesAccepted"`
	SharesInvalid  int64  `json:"sharesInvalid"`
	SessionsKilled int64  `json:"sessionsKilled"`
	ClaimsIssued   int64  `json:"claimsIssued"`
	ClaimsPaid     int64  `json:"claimsPaid"`
}

// Faucet is the session registry of the dev server. It hands out sessions,
// verifies shares, credits balances and issues claim credentials.
type Faucet struct {
	mu       sync.Mutex
	cfg      *config.ServerConfig
	sessions map[string]*sessionRecord
	claims   *ClaimIssuer
	events   *EventLog
	log      *slog.Logger
	now      func() time.Time

	accepted, invalid, killed, issued, paid int64
}

// NewFaucet creates an empty registry.
func NewFaucet(cfg *config.ServerConfig, claims *ClaimIssuer, events *EventLog, log *slog.Logger) *Faucet {
	return &Faucet{
		cfg:      cfg,
		sessions: make(map[string]*sessionRecord),
		claims:   claims,
		events:   events,
		log:      log,
		now:      time.Now,
	}
}

// SetConfig replaces the configuration. Live sessions keep their balances;
// shares mined with old parameters are rejected from now on.
func (f *Faucet) SetConfig(cfg *config.ServerConfig) {
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
}

// Config returns the configuration clients receive.
func (f *Faucet) Config() *faucet.FaucetConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return wireConfig(f.cfg)
}

func wireConfig(cfg *config.ServerConfig) *faucet.FaucetConfig {
	return &faucet.FaucetConfig{
		Title:          cfg.Faucet.Title,
		Image:          cfg.Faucet.Image,
		PoWParams:      powParams(cfg),
		NonceCount:     cfg.PoW.NonceCount,
		ShareReward:    cfg.Faucet.ShareReward,
		MinClaim:       cfg.Faucet.MinClaim,
		MaxClaim:       cfg.Faucet.MaxClaim,
		SessionTimeout: int64(cfg.Faucet.SessionTimeout / time.Second),
		CaptchaSiteKey: cfg.Faucet.CaptchaSiteKey,
		CaptchaSession: cfg.Faucet.CaptchaSession,
		CaptchaShare:   cfg.Faucet.CaptchaShare,
	}
}

func powParams(cfg *config.ServerConfig) faucet.PoWParams {
	return faucet.PoWParams{
		Algorithm:  cfg.PoW.Algorithm,
		N:          cfg.PoW.N,
		R:          cfg.PoW.R,
		P:          cfg.PoW.P,
		KeyLen:     cfg.PoW.KeyLen,
		Difficulty: cfg.PoW.Difficulty,
	}
}

// validAddress accepts 0x-prefixed 20 byte hex addresses.
func validAddress(addr string) bool {
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
		return false
	}
	_, err := hex.DecodeString(addr[2:])
	return err == nil
}

func (f *Faucet) checkCaptcha(token string) bool {
	return token != "" && slices.Contains(f.cfg.Faucet.CaptchaTokens, token)
}

// StartSession opens a session for req.Addr owned by owner.
func (f *Faucet) StartSession(owner pusher, req faucet.StartSessionRequest) (*faucet.SessionInfo, error) {
	if !validAddress(req.Addr) {
		return nil, faucetError(codeInvalidAddr, "invalid target address %q", req.Addr)
	}

	preimage := make([]byte, 12)
	if _, err := rand.Read(preimage); err != nil {
		return nil, fmt.Errorf("failed to generate preimage: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cfg.Faucet.CaptchaSession && !f.checkCaptcha(req.Token) {
		return nil, faucetError(codeCaptcha, "verification token rejected")
	}

	rec := &sessionRecord{
		info: faucet.SessionInfo{
			SessionID:  uuid.NewString(),
			TargetAddr: req.Addr,
			StartTime:  f.now().Unix(),
			PreImage:   base64.StdEncoding.EncodeToString(preimage),
		},
		owner:  owner,
		nonces: make(map[uint64]struct{}),
	}
	f.sessions[rec.info.SessionID] = rec

	f.log.Info("session started", "session", rec.info.SessionID, "target", req.Addr)
	f.events.Add("session_started", "session started", rec.info.SessionID, map[string]any{"target": req.Addr})

	info := rec.info
	return &info, nil
}

// ResumeSession attaches owner to an existing session.
func (f *Faucet) ResumeSession(owner pusher, req faucet.ResumeSessionRequest) (*faucet.ResumeSessionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.sessions[req.SessionID]
	if !ok {
		return nil, faucetError(codeInvalidSession, "session %s not found", req.SessionID)
	}
	if rec.owner != nil && rec.owner != owner {
		return nil, faucetError(codeSessionActive, "session %s is attached to another client", req.SessionID)
	}
	rec.owner = owner

	f.log.Info("session resumed", "session", req.SessionID, "balance", rec.info.Balance)
	f.events.Add("session_resumed", "session resumed", req.SessionID, nil)

	return &faucet.ResumeSessionResponse{Balance: rec.info.Balance, StartTime: rec.info.StartTime}, nil
}

// SubmitShare verifies a share and credits the session. A share containing
// a nonce that does not meet the difficulty kills the session.
func (f *Faucet) SubmitShare(owner pusher, share faucet.Share) error {
	f.mu.Lock()
	rec, ok := f.sessions[share.SessionID]
	if !ok {
		f.mu.Unlock()
		return faucetError(codeInvalidSession, "session %s not found", share.SessionID)
	}
	// a reconnected client keeps mining without resuming
	rec.owner = owner

	cfg := f.cfg
	params := powParams(cfg)
	if share.Params != params.ParamsKey() {
		f.invalid++
		f.mu.Unlock()
		return faucetError(codeInvalidShare, "share mined with stale parameters")
	}
	if len(share.Nonces) != cfg.PoW.NonceCount {
		f.invalid++
		f.mu.Unlock()
		return faucetError(codeInvalidShare, "expected %d nonces, got %d", cfg.PoW.NonceCount, len(share.Nonces))
	}
	if cfg.Faucet.CaptchaShare && !f.checkCaptcha(share.Captcha) {
		f.mu.Unlock()
		return faucetError(codeCaptcha, "verification token rejected")
	}
	for _, n := range share.Nonces {
		if _, dup := rec.nonces[n]; dup {
			f.invalid++
			f.mu.Unlock()
			return faucetError(codeInvalidShare, "duplicate nonce %d", n)
		}
	}
	preimage := rec.info.PreImage
	f.mu.Unlock()

	// hashing runs unlocked; scrypt verification is slow
	for _, n := range share.Nonces {
		valid, err := miner.Verify(params, preimage, n)
		if err != nil {
			return faucetError(codeInvalidShare, "cannot verify share: %v", err)
		}
		if !valid {
			f.kill(share.SessionID, killInvalid, fmt.Sprintf("invalid share nonce %d", n))
			return faucetError(codeInvalidShare, "nonce %d does not meet difficulty %d", n, params.Difficulty)
		}
	}

	f.mu.Lock()
	rec, ok = f.sessions[share.SessionID]
	if !ok {
		f.mu.Unlock()
		return faucetError(codeInvalidSession, "session %s ended", share.SessionID)
	}
	for _, n := range share.Nonces {
		rec.nonces[n] = struct{}{}
	}
	rec.shares++
	rec.lastShare = f.now()
	rec.info.Balance += cfg.Faucet.ShareReward
	if cfg.Faucet.MaxClaim > 0 && rec.info.Balance > cfg.Faucet.MaxClaim {
		rec.info.Balance = cfg.Faucet.MaxClaim
	}
	f.accepted++
	update := faucet.BalanceUpdate{SessionID: rec.info.SessionID, Balance: rec.info.Balance}
	target := rec.owner
	f.mu.Unlock()

	f.log.Debug("share accepted", "session", share.SessionID, "balance", faucet.FormatAmount(update.Balance))
	if target != nil {
		target.push(faucet.ActionUpdateBalance, update)
	}
	return nil
}

// CloseSession ends a session and returns a claim credential when the
// balance reaches the minimum claim.
func (f *Faucet) CloseSession(req faucet.CloseSessionRequest) (*faucet.CloseSessionResponse, error) {
	f.mu.Lock()
	rec, ok := f.sessions[req.SessionID]
	if !ok {
		f.mu.Unlock()
		return nil, faucetError(codeInvalidSession, "session %s not found", req.SessionID)
	}
	delete(f.sessions, req.SessionID)
	claimable := rec.info.Balance >= f.cfg.Faucet.MinClaim
	f.mu.Unlock()

	rsp := &faucet.CloseSessionResponse{}
	if claimable {
		token, err := f.claims.Issue(rec.info)
		if err != nil {
			return nil, err
		}
		rsp.Token = token
		f.mu.Lock()
		f.issued++
		f.mu.Unlock()
	}

	f.log.Info("session closed",
		"session", req.SessionID,
		"balance", faucet.FormatAmount(rec.info.Balance),
		"claimable", claimable)
	f.events.Add("session_closed", "session closed", req.SessionID, map[string]any{
		"balance":   rec.info.Balance,
		"shares":    rec.shares,
		"claimable": claimable,
	})
	return rsp, nil
}

// Claim redeems a claim credential.
func (f *Faucet) Claim(req faucet.ClaimRequest) (*faucet.ClaimResponse, error) {
	f.mu.Lock()
	needCaptcha := f.cfg.Faucet.CaptchaSession
	captchaOK := f.checkCaptcha(req.Captcha)
	f.mu.Unlock()
	if needCaptcha && !captchaOK {
		return nil, faucetError(codeCaptcha, "verification token rejected")
	}

	claim, err := f.claims.Redeem(req.Token, req.TargetAddr)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.paid++
	f.mu.Unlock()

	f.log.Info("reward paid",
		"session", claim.Subject,
		"target", claim.Target,
		"amount", faucet.FormatAmount(claim.Balance),
		"tx", claim.TxHash())
	f.events.Add("reward_paid", "reward paid", claim.Subject, map[string]any{
		"target": claim.Target,
		"amount": claim.Balance,
	})
	return &faucet.ClaimResponse{TxHash: claim.TxHash()}, nil
}

// Detach drops owner from its sessions after a disconnect. The sessions
// stay alive so they can be resumed.
func (f *Faucet) Detach(owner pusher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.sessions {
		if rec.owner == owner {
			rec.owner = nil
		}
	}
}

// kill ends a session and tells its owner.
func (f *Faucet) kill(sessionID, level, reason string) {
	f.mu.Lock()
	rec, ok := f.sessions[sessionID]
	if !ok {
		f.mu.Unlock()
		return
	}
	delete(f.sessions, sessionID)
	f.killed++
	if level == killInvalid {
		f.invalid++
	}
	owner := rec.owner
	f.mu.Unlock()

	f.log.Warn("session killed", "session", sessionID, "level", level, "reason", reason)
	f.events.Add("session_killed", reason, sessionID, map[string]any{"level": level})
	if owner != nil {
		owner.push(faucet.ActionSessionKill, faucet.SessionKill{Level: level, Message: reason})
	}
}

// Sweep kills sessions that outlived the session timeout.
func (f *Faucet) Sweep() int {
	f.mu.Lock()
	cutoff := f.now().Add(-f.cfg.Faucet.SessionTimeout).Unix()
	var expired []string
	for id, rec := range f.sessions {
		if rec.info.StartTime <= cutoff {
			expired = append(expired, id)
		}
	}
	f.mu.Unlock()

	for _, id := range expired {
		f.kill(id, killTimeout, "Session timed out.")
	}
	return len(expired)
}

// Stats returns registry counters.
func (f *Faucet) Stats() FaucetStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	var total uint64
	for _, rec := range f.sessions {
		total += rec.info.Balance
	}
	return FaucetStats{
		ActiveSessions: len(f.sessions),
		TotalBalance:   faucet.FormatAmount(total),
		SharesAccepted: f.accepted,
		SharesInvalid:  f.invalid,
		SessionsKilled: f.killed,
		ClaimsIssued:   f.issued,
		ClaimsPaid:     f.paid,
	}
}
