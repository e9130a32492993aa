package controller

import "powfaucet/faucet"

// MiningStatus is the externally observed mining lifecycle state.
type MiningStatus int

const (
	StatusIdle MiningStatus = iota
	StatusStarting
	StatusRunning
	StatusInterrupted
	StatusStopping
)

func (s MiningStatus) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusStarting:
		return "STARTING"
	case StatusRunning:
		return "RUNNING"
	case StatusInterrupted:
		return "INTERRUPTED"
	case StatusStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// state is one variant of the controller's lifecycle. Each variant carries
// exactly the data that is valid in it; the worker pool only exists inside
// runningState and stoppingState.
type state interface {
	status() MiningStatus
}

type idleState struct{}

// startingState waits for Session.Start of attempt.
type startingState struct {
	attempt uint64
}

type runningState struct {
	attempt uint64
	pool    WorkerPool
}

// interruptedState is a live session that cannot compute. Nothing enters
// it yet; every transition treats it like runningState without a pool.
type interruptedState struct {
	attempt uint64
}

// stoppingState waits for Session.Close. The pool has already been told to
// stop.
type stoppingState struct {
	attempt  uint64
	pool     WorkerPool
	snapshot faucet.SessionInfo
}

// claimingState hands the closed session's reward to the claim flow and
// waits for it to finish. It is still reported as stopping.
type claimingState struct {
	attempt uint64
	reward  faucet.ClaimReward
}

func (idleState) status() MiningStatus        { return StatusIdle }
func (startingState) status() MiningStatus    { return StatusStarting }
func (runningState) status() MiningStatus     { return StatusRunning }
func (interruptedState) status() MiningStatus { return StatusInterrupted }
func (stoppingState) status() MiningStatus    { return StatusStopping }
func (claimingState) status() MiningStatus    { return StatusStopping }

// poolOf returns the pool carried by s, or nil.
func poolOf(s state) WorkerPool {
	switch st := s.(type) {
	case runningState:
		return st.pool
	case stoppingState:
		return st.pool
	}
	return nil
}
