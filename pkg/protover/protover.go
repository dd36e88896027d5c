// Package protover checks agent card protocol versions against the range
// this orchestrator speaks.
package protover

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// SupportedRange is the protocol version range accepted from agent cards.
const SupportedRange = ">=0.1.0 <2.0.0"

var constraint *semver.Constraints

func init() {
	c, err := semver.NewConstraint(SupportedRange)
	if err != nil {
		panic(fmt.Sprintf("protover - invalid supported range %q: %v", SupportedRange, err))
	}
	constraint = c
}

// Parse parses a protocol version string.
func Parse(version string) (*semver.Version, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("protover - invalid protocol version %q: %w", version, err)
	}
	return v, nil
}

// Supported reports whether version falls inside SupportedRange. Unparseable
// versions are unsupported.
func Supported(version string) bool {
	v, err := Parse(version)
	if err != nil {
		return false
	}
	return constraint.Check(v)
}
