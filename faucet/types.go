// Package faucet defines the data exchanged between the faucet client and
// the faucet server: configuration, session records, shares and the
// websocket message envelope.
package faucet

import (
	"fmt"
	"time"
)

// PoW algorithm names understood by the miner.
const (
	AlgorithmScrypt = "scrypt"
	AlgorithmSHA256 = "sha256"
)

// PoWParams are the server-issued proof-of-work parameters.
//
// N, R, P and KeyLen only apply to scrypt. Difficulty is the number of
// leading zero bits a hash must have to count as a share.
type PoWParams struct {
	Algorithm  string `json:"a"`
	N          int    `json:"n"`
	R          int    `json:"r"`
	P          int    `json:"p"`
	KeyLen     int    `json:"l"`
	Difficulty int    `json:"d"`
}

// Validate reports whether the parameters can be used for mining.
func (p PoWParams) Validate() error {
	switch p.Algorithm {
	case AlgorithmScrypt:
		if p.N <= 1 || p.N&(p.N-1) != 0 {
			return fmt.Errorf("scrypt n must be a power of two > 1, got %d", p.N)
		}
		if p.R <= 0 || p.P <= 0 {
			return fmt.Errorf("scrypt r and p must be positive, got r=%d p=%d", p.R, p.P)
		}
		if p.KeyLen < 4 {
			return fmt.Errorf("scrypt key length too short (minimum 4), got %d", p.KeyLen)
		}
	case AlgorithmSHA256:
	default:
		return fmt.Errorf("unknown pow algorithm %q", p.Algorithm)
	}
	if p.Difficulty < 1 || p.Difficulty > 64 {
		return fmt.Errorf("invalid difficulty: %d (must be 1-64)", p.Difficulty)
	}
	return nil
}

// FaucetConfig is the configuration pushed by the server when a connection
// opens. It is immutable once received and replaced wholesale on reconnect.
type FaucetConfig struct {
	Title          string    `json:"faucetTitle"`
	Image          string    `json:"faucetImage"`
	PoWParams      PoWParams `json:"powParams"`
	NonceCount     int       `json:"powNonceCount"`
	ShareReward    uint64    `json:"shareReward"`
	MinClaim       uint64    `json:"minClaim"`
	MaxClaim       uint64    `json:"maxClaim"`
	SessionTimeout int64     `json:"powTimeout"`
	CaptchaSiteKey string    `json:"hcapSiteKey"`
	CaptchaSession bool      `json:"hcapSession"`
	CaptchaShare   bool      `json:"hcapShare"`
}

// RequiresSessionVerification reports whether a verification token must
// accompany every session start.
func (c *FaucetConfig) RequiresSessionVerification() bool {
	return c != nil && c.CaptchaSiteKey != "" && c.CaptchaSession
}

// RequiresShareVerification reports whether a verification token must
// accompany every share submission.
func (c *FaucetConfig) RequiresShareVerification() bool {
	return c != nil && c.CaptchaSiteKey != "" && c.CaptchaShare
}

// Claimable reports whether balance reaches the minimum claim amount.
func (c *FaucetConfig) Claimable(balance uint64) bool {
	return c != nil && balance >= c.MinClaim
}

// SessionInfo describes the live mining session.
type SessionInfo struct {
	SessionID  string `json:"sessionId"`
	TargetAddr string `json:"targetAddr"`
	StartTime  int64  `json:"startTime"`
	Balance    uint64 `json:"balance"`
	PreImage   string `json:"preImage"`
}

// Started returns the session start time.
func (s SessionInfo) Started() time.Time {
	return time.Unix(s.StartTime, 0)
}

// StoredSessionInfo is a persisted session record that survives restarts.
type StoredSessionInfo struct {
	SessionInfo
	SavedAt time.Time `json:"savedAt"`
}

// ClaimCredential is the single-use token returned when a session closes
// with a claimable balance.
type ClaimCredential string

// ClaimReward is handed to the claim flow together with the credential.
type ClaimReward struct {
	Session    string          `json:"session"`
	StartTime  int64           `json:"startTime"`
	Target     string          `json:"target"`
	Balance    uint64          `json:"balance"`
	Credential ClaimCredential `json:"token"`
}

// Share is a batch of solved nonces submitted for one session.
type Share struct {
	SessionID string   `json:"sessionId"`
	Nonces    []uint64 `json:"nonces"`
	Params    string   `json:"params"`
	HashRate  float64  `json:"hashrate"`
	Captcha   string   `json:"captcha,omitempty"`
}

// ParamsKey encodes the parameters a share was mined with so the server can
// reject shares mined against stale parameters.
func (p PoWParams) ParamsKey() string {
	return fmt.Sprintf("%s|%d|%d|%d|%d|%d", p.Algorithm, p.N, p.R, p.P, p.KeyLen, p.Difficulty)
}

const weiPerEth = 1_000_000_000_000_000_000

// FormatAmount renders a wei amount as ETH with two decimals.
func FormatAmount(wei uint64) string {
	whole := wei / weiPerEth
	cents := (wei % weiPerEth) / (weiPerEth / 100)
	return fmt.Sprintf("%d.%02d ETH", whole, cents)
}
