package upgrade

import (
	"time"

	"github.com/google/nearby-sub006/internal/channel"
	"github.com/google/nearby-sub006/internal/medium"
)

// Session is one endpoint's upgrade bookkeeping (spec.md §3). All mutation
// happens on Protocol's single-caller serial queue; Session itself holds no
// lock.
type Session struct {
	EndpointID string
	ServiceID  string
	State      State

	// ActiveChannel carries future traffic: the original channel until a
	// new one registers, then the new (paused) one.
	ActiveChannel channel.Channel
	// PreviousChannel is non-nil exactly while State is
	// AwaitingLastWriteFromPeer or AwaitingSafeToCloseFromPeer (spec.md §3
	// invariant 2): the channel being drained and retired.
	PreviousChannel channel.Channel

	ChosenMedium     medium.Tag
	AttemptedMediums []medium.Tag

	RetryDelay time.Duration

	// SuccessfullyDrainedPrior latches true if the peer's LAST_WRITE arrives
	// before the new channel is registered on this side (spec.md §4.4 edge
	// case); registration then immediately proceeds to SAFE_TO_CLOSE instead
	// of waiting.
	SuccessfullyDrainedPrior bool

	// supportsClientIntroductionAck: learned either from the UpgradePathInfo
	// this side advertised (initiator) or from the one the peer sent
	// (responder) — governs whether a CLIENT_INTRODUCTION_ACK is exchanged.
	supportsClientIntroductionAck bool
}

func newSession(endpointID, serviceID string) *Session {
	return &Session{EndpointID: endpointID, ServiceID: serviceID, State: Idle}
}

// attemptedMedium reports whether m is already in AttemptedMediums.
func (s *Session) attemptedMedium(m medium.Tag) bool {
	for _, a := range s.AttemptedMediums {
		if a == m {
			return true
		}
	}
	return false
}

// reset clears a session back to Idle, dropping channel references. Callers
// are responsible for closing any channels first.
func (s *Session) reset() {
	s.State = Idle
	s.ActiveChannel = nil
	s.PreviousChannel = nil
	s.SuccessfullyDrainedPrior = false
	s.supportsClientIntroductionAck = false
}
