package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"powfaucet/faucet"
)

// claimTokenTTL is how long a closed session's reward can be claimed.
const claimTokenTTL = 24 * time.Hour

// RewardClaims is the payload of a claim credential.
type RewardClaims struct {
	Target    string `json:"target"`
	Balance   uint64 `json:"balance"`
	StartTime int64  `json:"startTime"`
	jwt.RegisteredClaims
}

// TxHash derives the fake payout transaction hash for the claim.
func (c *RewardClaims) TxHash() string {
	sum := sha256.Sum256([]byte(c.ID + c.Target))
	return "0x" + hex.EncodeToString(sum[:])
}

// ClaimIssuer signs claim credentials with HS256 and redeems each one at
// most once.
type ClaimIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu   sync.Mutex
	used map[string]time.Time // jti -> expiry
}

// generateSecret returns a random 32 byte hex secret.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate claim secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NewClaimIssuer creates an issuer. An empty secret is replaced by a random
// one, which invalidates outstanding credentials on restart.
func NewClaimIssuer(secret string) (*ClaimIssuer, error) {
	if secret == "" {
		var err error
		if secret, err = generateSecret(); err != nil {
			return nil, err
		}
	}
	return &ClaimIssuer{
		secret: []byte(secret),
		ttl:    claimTokenTTL,
		now:    time.Now,
		used:   make(map[string]time.Time),
	}, nil
}

// Issue signs a credential for a closed session.
func (c *ClaimIssuer) Issue(info faucet.SessionInfo) (string, error) {
	now := c.now()
	claims := RewardClaims{
		Target:    info.TargetAddr,
		Balance:   info.Balance,
		StartTime: info.StartTime,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   info.SessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign claim token: %w", err)
	}
	return token, nil
}

// Redeem validates token for target and marks it used.
func (c *ClaimIssuer) Redeem(token, target string) (*RewardClaims, error) {
	claims := &RewardClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, faucetError(codeInvalidClaim, "claim token expired")
		}
		return nil, faucetError(codeInvalidClaim, "invalid claim token: %v", err)
	}
	if !strings.EqualFold(claims.Target, target) {
		return nil, faucetError(codeInvalidClaim, "claim token is not valid for %s", target)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for id, exp := range c.used {
		if now.After(exp) {
			delete(c.used, id)
		}
	}
	if _, dup := c.used[claims.ID]; dup {
		return nil, faucetError(codeClaimUsed, "reward for session %s already claimed", claims.Subject)
	}
	c.used[claims.ID] = claims.ExpiresAt.Time
	return claims, nil
}
