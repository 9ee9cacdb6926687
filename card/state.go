package card

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// State is where a card is in its lifecycle.
type State int

// Card states.
const (
	StatePoweredOff State = iota
	StateIdentifying
	StateConfiguring
	StateOperational
	StateSuspended
	StateSleeping
)

func (s State) String() string {
	switch s {
	case StatePoweredOff:
		return "powered off"
	case StateIdentifying:
		return "identifying"
	case StateConfiguring:
		return "configuring"
	case StateOperational:
		return "operational"
	case StateSuspended:
		return "suspended"
	case StateSleeping:
		return "sleeping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists the legal next states. Sleeping to Operational is the partial init edge;
// every full init passes through Identifying and Configuring.
var transitions = map[State][]State{
	StatePoweredOff:  {StateIdentifying},
	StateIdentifying: {StateConfiguring, StatePoweredOff},
	StateConfiguring: {StateOperational, StateIdentifying, StatePoweredOff},
	StateOperational: {StateSuspended, StateSleeping, StateIdentifying, StatePoweredOff},
	StateSuspended:   {StateIdentifying, StatePoweredOff},
	StateSleeping:    {StateOperational, StateIdentifying, StatePoweredOff},
}

// State returns the current lifecycle state.
func (c *Card) State() State {
	return c.state
}

// Transition moves the card to state to, failing if the edge is not part of the lifecycle. The
// first transition to Operational allocates the packed command statistics.
func (c *Card) Transition(to State) error {
	if c.state == to {
		return nil
	}
	if !lo.Contains(transitions[c.state], to) {
		return errors.Errorf("illegal card state transition %s -> %s", c.state, to)
	}
	c.state = to
	switch to {
	case StateOperational:
		c.Clear(FlagSuspended | FlagSleeping)
		if c.PackedStats == nil && c.HostPacked && c.ExtCSD.MaxPackedWrites > 0 {
			c.PackedStats = make([]uint64, int(c.ExtCSD.MaxPackedWrites)+1)
		}
	case StateSuspended:
		c.Set(FlagSuspended)
	case StateSleeping:
		c.Set(FlagSuspended | FlagSleeping)
	case StatePoweredOff, StateIdentifying, StateConfiguring:
	}
	return nil
}
