// Package mdp translates transport statistics into normalized observations
// for a decision policy, and the policy's normalized actions back into
// actuator commands.
//
// An MDP owns exactly one live episode: a step counter, the previous
// snapshot used for per-interval deltas and the RTT history. It is not safe
// for concurrent use.
package mdp

import (
	"errors"

	"github.com/birkandenizer/gstwebrtcapp/internal/actuator"
	"github.com/birkandenizer/gstwebrtcapp/internal/stats"
)

var (
	// ErrActionShape is returned when an action does not match the action space.
	ErrActionShape = errors.New("mdp: action does not match action space")
	// ErrInvalidConfig is returned by constructors for unusable constants.
	ErrInvalidConfig = errors.New("mdp: invalid config")
)

// MDP is the capability set every telemetry-to-decision mapping provides.
// New stream layouts are new implementations of this interface.
type MDP interface {
	// Reset starts a new episode.
	Reset()

	CreateObservationSpace() ObservationSpace
	CreateActionSpace() ActionSpace

	// MakeDefaultState returns the neutral observation used when telemetry
	// is incomplete.
	MakeDefaultState() Observation
	// MakeState advances the step counter and builds an observation from
	// one snapshot.
	MakeState(snapshot stats.Snapshot) Observation

	ConvertToUnscaledState(obs Observation) Observation
	ConvertToUnscaledAction(action Action) Action

	// CheckObservation reports whether snapshot holds every category the
	// translator requires.
	CheckObservation(snapshot stats.Snapshot) bool
	PackActionForController(action Action) (actuator.Command, error)
	CalculateReward(obs Observation) (float64, map[string]float64)

	IsTerminated(step int) bool
	IsTruncated(step int) bool
	// StatesMade is the number of MakeState calls in the current episode.
	StatesMade() int
}

// RewardFunc maps a fully built observation to a scalar reward and an
// optional per-term breakdown.
type RewardFunc func(obs Observation) (float64, map[string]float64)

// ZeroReward is the default reward: always zero, no breakdown.
func ZeroReward(Observation) (float64, map[string]float64) {
	return 0, nil
}
