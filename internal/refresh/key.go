package refresh

import (
	"fmt"
	"strconv"

	"vwapbot/internal/interval"
)

// Key identifies one loop and its persisted record.
type Key struct {
	ChannelID int64
	Interval  int // seconds
}

func (k Key) String() string {
	return strconv.FormatInt(k.ChannelID, 10) + "/" + interval.Format(k.Interval)
}

func (k Key) validate() error {
	if k.ChannelID == 0 {
		return fmt.Errorf("invalid key %v: channel id required", k)
	}
	if k.Interval <= 0 || k.Interval > interval.MaxSeconds {
		return fmt.Errorf("invalid key %v: interval must be in 1..%d", k, interval.MaxSeconds)
	}
	return nil
}

func compareKeys(a, b Key) int {
	switch {
	case a.ChannelID < b.ChannelID:
		return -1
	case a.ChannelID > b.ChannelID:
		return 1
	}
	return a.Interval - b.Interval
}

// State is the lifecycle state of a loop.
type State int

const (
	StateStarting State = iota + 1
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// active reports whether the key counts as started for Status and
// duplicate detection purposes.
func (s State) active() bool { return s == StateStarting || s == StateRunning }
