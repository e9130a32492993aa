package main

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"powfaucet/config"
	"powfaucet/faucet"
	"powfaucet/miner"
)

const testAddr = "0x1111111111111111111111111111111111111111"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServerConfig() *config.ServerConfig {
	return &config.ServerConfig{
		Network: config.ServerNetwork{ListenAddress: ":0"},
		Faucet: config.FaucetConfig{
			Title:          "Test Faucet",
			ShareReward:    5,
			MinClaim:       10,
			MaxClaim:       100,
			SessionTimeout: time.Hour,
		},
		PoW: config.PoWConfig{
			Algorithm:  faucet.AlgorithmSHA256,
			Difficulty: 4,
			NonceCount: 2,
		},
	}
}

type pushed struct {
	action string
	v      any
}

type fakePusher struct {
	mu     sync.Mutex
	pushes []pushed
}

func (p *fakePusher) push(action string, v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, pushed{action, v})
}

func (p *fakePusher) last() (pushed, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pushes) == 0 {
		return pushed{}, false
	}
	return p.pushes[len(p.pushes)-1], true
}

func newTestFaucet(t *testing.T, cfg *config.ServerConfig) *Faucet {
	t.Helper()
	claims, err := NewClaimIssuer("test-secret-0123456789")
	if err != nil {
		t.Fatal(err)
	}
	return NewFaucet(cfg, claims, NewEventLog(100), discardLogger())
}

// findNonces returns count nonces meeting the difficulty, starting at from.
func findNonces(t *testing.T, params faucet.PoWParams, preimage string, from uint64, count int) []uint64 {
	t.Helper()
	var out []uint64
	for n := from; len(out) < count; n++ {
		ok, err := miner.Verify(params, preimage, n)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			out = append(out, n)
		}
	}
	return out
}

// findInvalidNonce returns a nonce that does not meet the difficulty.
func findInvalidNonce(t *testing.T, params faucet.PoWParams, preimage string) uint64 {
	t.Helper()
	for n := uint64(0); ; n++ {
		ok, err := miner.Verify(params, preimage, n)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			return n
		}
	}
}

func validShare(t *testing.T, f *Faucet, info *faucet.SessionInfo, from uint64) faucet.Share {
	t.Helper()
	params := f.Config().PoWParams
	return faucet.Share{
		SessionID: info.SessionID,
		Nonces:    findNonces(t, params, info.PreImage, from, f.Config().NonceCount),
		Params:    params.ParamsKey(),
	}
}

func errorCode(err error) string {
	var fe *faucet.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

func TestStartSession(t *testing.T) {
	f := newTestFaucet(t, testServerConfig())
	owner := &fakePusher{}

	info, err := f.StartSession(owner, faucet.StartSessionRequest{Addr: testAddr})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if info.SessionID == "" || info.PreImage == "" {
		t.Errorf("incomplete session info: %+v", info)
	}
	if info.TargetAddr != testAddr || info.Balance != 0 {
		t.Errorf("unexpected session info: %+v", info)
	}
	if got := f.Stats().ActiveSessions; got != 1 {
		t.Errorf("ActiveSessions = %d, want 1", got)
	}
}

func TestStartSessionValidation(t *testing.T) {
	tests := []struct {
		name     string
		captcha  bool
		req      faucet.StartSessionRequest
		wantCode string
	}{
		{"empty address", false, faucet.StartSessionRequest{}, codeInvalidAddr},
		{"short address", false, faucet.StartSessionRequest{Addr: "0x1234"}, codeInvalidAddr},
		{"not hex", false, faucet.StartSessionRequest{Addr: "0xZZ11111111111111111111111111111111111111"}, codeInvalidAddr},
		{"missing captcha", true, faucet.StartSessionRequest{Addr: testAddr}, codeCaptcha},
		{"wrong captcha", true, faucet.StartSessionRequest{Addr: testAddr, Token: "nope"}, codeCaptcha},
		{"good captcha", true, faucet.StartSessionRequest{Addr: testAddr, Token: "solved"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testServerConfig()
			if tt.captcha {
				cfg.Faucet.CaptchaSiteKey = "site"
				cfg.Faucet.CaptchaSession = true
				cfg.Faucet.CaptchaTokens = []string{"solved"}
			}
			f := newTestFaucet(t, cfg)

			_, err := f.StartSession(&fakePusher{}, tt.req)
			if got := errorCode(err); got != tt.wantCode {
				t.Errorf("error code = %q (%v), want %q", got, err, tt.wantCode)
			}
		})
	}
}

func TestSubmitShareCreditsBalance(t *testing.T) {
	f := newTestFaucet(t, testServerConfig())
	owner := &fakePusher{}
	info, _ := f.StartSession(owner, faucet.StartSessionRequest{Addr: testAddr})

	share := validShare(t, f, info, 0)
	if err := f.SubmitShare(owner, share); err != nil {
		t.Fatalf("SubmitShare failed: %v", err)
	}

	p, ok := owner.last()
	if !ok || p.action != faucet.ActionUpdateBalance {
		t.Fatalf("expected balance push, got %+v", p)
	}
	update := p.v.(faucet.BalanceUpdate)
	if update.SessionID != info.SessionID || update.Balance != 5 {
		t.Errorf("update = %+v, want balance 5", update)
	}

	// the same nonces again are rejected without killing the session
	err := f.SubmitShare(owner, share)
	if errorCode(err) != codeInvalidShare {
		t.Errorf("duplicate share error = %v", err)
	}
	if f.Stats().ActiveSessions != 1 {
		t.Error("duplicate share should not kill the session")
	}
}

func TestSubmitShareCapsAtMaxClaim(t *testing.T) {
	cfg := testServerConfig()
	cfg.Faucet.MaxClaim = 7
	f := newTestFaucet(t, cfg)
	owner := &fakePusher{}
	info, _ := f.StartSession(owner, faucet.StartSessionRequest{Addr: testAddr})

	first := validShare(t, f, info, 0)
	second := validShare(t, f, info, first.Nonces[len(first.Nonces)-1]+1)
	for _, s := range []faucet.Share{first, second} {
		if err := f.SubmitShare(owner, s); err != nil {
			t.Fatal(err)
		}
	}

	p, _ := owner.last()
	if got := p.v.(faucet.BalanceUpdate).Balance; got != 7 {
		t.Errorf("balance = %d, want 7", got)
	}
}

func TestSubmitShareRejections(t *testing.T) {
	f := newTestFaucet(t, testServerConfig())
	owner := &fakePusher{}
	info, _ := f.StartSession(owner, faucet.StartSessionRequest{Addr: testAddr})
	good := validShare(t, f, info, 0)

	tests := []struct {
		name   string
		mutate func(*faucet.Share)
	}{
		{"unknown session", func(s *faucet.Share) { s.SessionID = "missing" }},
		{"stale params", func(s *faucet.Share) { s.Params = "scrypt|4096|8|1|16|9" }},
		{"wrong nonce count", func(s *faucet.Share) { s.Nonces = s.Nonces[:1] }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			share := good
			share.Nonces = append([]uint64(nil), good.Nonces...)
			tt.mutate(&share)
			if err := f.SubmitShare(owner, share); err == nil {
				t.Error("expected rejection")
			}
			if f.Stats().ActiveSessions != 1 {
				t.Error("rejection should not kill the session")
			}
		})
	}
}

func TestSubmitInvalidShareKillsSession(t *testing.T) {
	f := newTestFaucet(t, testServerConfig())
	owner := &fakePusher{}
	info, _ := f.StartSession(owner, faucet.StartSessionRequest{Addr: testAddr})

	params := f.Config().PoWParams
	bad := findInvalidNonce(t, params, info.PreImage)
	share := faucet.Share{
		SessionID: info.SessionID,
		Nonces:    []uint64{bad, bad + 1_000_000},
		Params:    params.ParamsKey(),
	}

	err := f.SubmitShare(owner, share)
	if errorCode(err) != codeInvalidShare {
		t.Fatalf("error = %v, want %s", err, codeInvalidShare)
	}

	p, ok := owner.last()
	if !ok || p.action != faucet.ActionSessionKill {
		t.Fatalf("expected kill push, got %+v", p)
	}
	if kill := p.v.(faucet.SessionKill); kill.Level != killInvalid {
		t.Errorf("kill level = %q", kill.Level)
	}

	stats := f.Stats()
	if stats.ActiveSessions != 0 || stats.SessionsKilled != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSubmitShareRequiresCaptchaWhenConfigured(t *testing.T) {
	cfg := testServerConfig()
	cfg.Faucet.CaptchaSiteKey = "site"
	cfg.Faucet.CaptchaShare = true
	cfg.Faucet.CaptchaTokens = []string{"solved"}
	f := newTestFaucet(t, cfg)
	owner := &fakePusher{}
	info, _ := f.StartSession(owner, faucet.StartSessionRequest{Addr: testAddr})

	share := validShare(t, f, info, 0)
	if err := f.SubmitShare(owner, share); errorCode(err) != codeCaptcha {
		t.Errorf("share without captcha: %v", err)
	}
	share.Captcha = "solved"
	if err := f.SubmitShare(owner, share); err != nil {
		t.Errorf("share with captcha: %v", err)
	}
}

func TestCloseAndClaim(t *testing.T) {
	f := newTestFaucet(t, testServerConfig())
	owner := &fakePusher{}
	info, _ := f.StartSession(owner, faucet.StartSessionRequest{Addr: testAddr})

	first := validShare(t, f, info, 0)
	second := validShare(t, f, info, first.Nonces[len(first.Nonces)-1]+1)
	for _, s := range []faucet.Share{first, second} {
		if err := f.SubmitShare(owner, s); err != nil {
			t.Fatal(err)
		}
	}

	rsp, err := f.CloseSession(faucet.CloseSessionRequest{SessionID: info.SessionID})
	if err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	if rsp.Token == "" {
		t.Fatal("expected claim token for balance 10 >= min 10")
	}
	if _, err := f.CloseSession(faucet.CloseSessionRequest{SessionID: info.SessionID}); errorCode(err) != codeInvalidSession {
		t.Errorf("second close: %v", err)
	}

	if _, err := f.Claim(faucet.ClaimRequest{Token: rsp.Token, TargetAddr: "0x2222222222222222222222222222222222222222"}); errorCode(err) != codeInvalidClaim {
		t.Errorf("claim for other address: %v", err)
	}

	paid, err := f.Claim(faucet.ClaimRequest{Token: rsp.Token, TargetAddr: testAddr})
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(paid.TxHash) != 66 {
		t.Errorf("tx hash = %q", paid.TxHash)
	}

	if _, err := f.Claim(faucet.ClaimRequest{Token: rsp.Token, TargetAddr: testAddr}); errorCode(err) != codeClaimUsed {
		t.Errorf("second claim: %v", err)
	}

	stats := f.Stats()
	if stats.ClaimsIssued != 1 || stats.ClaimsPaid != 1 || stats.SharesAccepted != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCloseBelowMinimumHasNoToken(t *testing.T) {
	f := newTestFaucet(t, testServerConfig())
	info, _ := f.StartSession(&fakePusher{}, faucet.StartSessionRequest{Addr: testAddr})

	rsp, err := f.CloseSession(faucet.CloseSessionRequest{SessionID: info.SessionID})
	if err != nil {
		t.Fatal(err)
	}
	if rsp.Token != "" {
		t.Errorf("unexpected claim token for empty balance")
	}
}

func TestResumeSession(t *testing.T) {
	f := newTestFaucet(t, testServerConfig())
	first := &fakePusher{}
	second := &fakePusher{}
	info, _ := f.StartSession(first, faucet.StartSessionRequest{Addr: testAddr})

	if _, err := f.ResumeSession(second, faucet.ResumeSessionRequest{SessionID: info.SessionID}); errorCode(err) != codeSessionActive {
		t.Errorf("resume while attached: %v", err)
	}

	f.Detach(first)
	rsp, err := f.ResumeSession(second, faucet.ResumeSessionRequest{SessionID: info.SessionID})
	if err != nil {
		t.Fatalf("resume after detach: %v", err)
	}
	if rsp.StartTime != info.StartTime {
		t.Errorf("StartTime = %d, want %d", rsp.StartTime, info.StartTime)
	}

	if _, err := f.ResumeSession(second, faucet.ResumeSessionRequest{SessionID: "missing"}); errorCode(err) != codeInvalidSession {
		t.Errorf("resume unknown: %v", err)
	}
}

func TestSweepKillsExpiredSessions(t *testing.T) {
	f := newTestFaucet(t, testServerConfig())
	now := time.Unix(1_700_000_000, 0)
	f.now = func() time.Time { return now }

	owner := &fakePusher{}
	if _, err := f.StartSession(owner, faucet.StartSessionRequest{Addr: testAddr}); err != nil {
		t.Fatal(err)
	}

	if n := f.Sweep(); n != 0 {
		t.Fatalf("swept %d fresh sessions", n)
	}

	now = now.Add(2 * time.Hour)
	if n := f.Sweep(); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	p, ok := owner.last()
	if !ok || p.action != faucet.ActionSessionKill || p.v.(faucet.SessionKill).Level != killTimeout {
		t.Errorf("expected timeout kill, got %+v", p)
	}
}

func TestSetConfigRejectsOldParams(t *testing.T) {
	f := newTestFaucet(t, testServerConfig())
	owner := &fakePusher{}
	info, _ := f.StartSession(owner, faucet.StartSessionRequest{Addr: testAddr})
	share := validShare(t, f, info, 0)

	cfg := testServerConfig()
	cfg.PoW.Difficulty = 5
	f.SetConfig(cfg)

	if err := f.SubmitShare(owner, share); errorCode(err) != codeInvalidShare {
		t.Errorf("share with old params: %v", err)
	}
	if got := f.Config().PoWParams.Difficulty; got != 5 {
		t.Errorf("difficulty = %d, want 5", got)
	}
}
