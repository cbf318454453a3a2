package enums

import (
	"fmt"
	"strings"
)

// DisputeClosure is the final outcome reported for a dispute.
type DisputeClosure string

const (
	DisputeClosureWon           DisputeClosure = "won"
	DisputeClosurePrevented     DisputeClosure = "prevented"
	DisputeClosureWarningClosed DisputeClosure = "warning_closed"
	DisputeClosureLost          DisputeClosure = "lost"
)

var validDisputeClosures = []DisputeClosure{
	DisputeClosureWon,
	DisputeClosurePrevented,
	DisputeClosureWarningClosed,
	DisputeClosureLost,
}

// String implements fmt.Stringer.
func (d DisputeClosure) String() string {
	return string(d)
}

// IsValid reports whether the value is a known DisputeClosure.
func (d DisputeClosure) IsValid() bool {
	for _, candidate := range validDisputeClosures {
		if candidate == d {
			return true
		}
	}
	return false
}

// ParseDisputeClosure converts raw input into a DisputeClosure.
func ParseDisputeClosure(value string) (DisputeClosure, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validDisputeClosures {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid dispute closure %q", value)
}

// RestoresCharge reports whether the dispute ended in the merchant's favour, so
// the disputed row goes back to being an ordinary charge.
func (d DisputeClosure) RestoresCharge() bool {
	switch d {
	case DisputeClosureWon, DisputeClosurePrevented, DisputeClosureWarningClosed:
		return true
	default:
		return false
	}
}
