package controller

import (
	"powfaucet/faucet"
	"powfaucet/miner"
)

// View is an immutable snapshot of the controller for presentation.
type View struct {
	Status        MiningStatus
	Config        *faucet.FaucetConfig
	TargetAddress string

	// RequestVerification is set when the user should solve a challenge:
	// before a start, or while mining when shares need a token and none is
	// waiting.
	RequestVerification bool
	HasToken            bool

	Claimable    bool
	Claiming     bool
	Restoring    bool // reported as IDLE until the restored session is live
	RestoreOffer *faucet.StoredSessionInfo
	ClaimOffer   *faucet.ClaimReward
	Advisory     *Advisory

	Session *faucet.SessionInfo
	Stats   *miner.Stats // nil without a worker pool
}

// HasPool reports whether a worker pool exists.
func (v View) HasPool() bool {
	return v.Stats != nil
}

// View returns the current snapshot.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{
		Status:        c.state.status(),
		Config:        c.config,
		TargetAddress: c.address,
		HasToken:      c.slot.Ready(),
		Claimable:     c.claimable,
		Restoring:     c.restoring,
		Session:       c.sess.Info(),
	}

	switch c.state.(type) {
	case idleState:
		v.RequestVerification = !c.restoring && c.config.RequiresSessionVerification()
	case runningState:
		v.RequestVerification = c.config.RequiresShareVerification() && !v.HasToken
	case claimingState:
		v.Claiming = true
	}

	if c.restoreOffer != nil {
		offer := *c.restoreOffer
		v.RestoreOffer = &offer
	}
	if c.claimOffer != nil {
		offer := *c.claimOffer
		v.ClaimOffer = &offer
	}
	if c.advisory != nil {
		adv := *c.advisory
		v.Advisory = &adv
	}
	if pool := poolOf(c.state); pool != nil {
		stats := pool.Stats()
		v.Stats = &stats
	}
	return v
}
