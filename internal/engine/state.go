package engine

import "fmt"

type State uint8

const (
	Passive State = iota
	Buffering
	CatchingUp
	Active
)

func (s State) String() string {
	switch s {
	case Passive:
		return "PASSIVE"
	case Buffering:
		return "BUFFERING"
	case CatchingUp:
		return "CATCHING_UP"
	case Active:
		return "ACTIVE"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}
