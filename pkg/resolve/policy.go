package resolve

import (
	"fmt"
	"strings"
)

// Policy decides which side wins when a file changed on both devices.
type Policy string

const (
	// PolicyNewest keeps the most recently modified version.
	PolicyNewest Policy = "newest"

	// PolicyKeepBoth keeps the newest version under the original name, and
	// preserves the other version as a renamed conflict copy.
	PolicyKeepBoth Policy = "keep-both"
)

// DefaultPolicy is used when the configuration doesn't name one.
const DefaultPolicy = PolicyNewest

// IsValid returns true if the policy is recognized.
func (p Policy) IsValid() bool {
	switch p {
	case PolicyNewest, PolicyKeepBoth:
		return true
	default:
		return false
	}
}

// AllPolicies returns all supported policies.
func AllPolicies() []Policy {
	return []Policy{PolicyNewest, PolicyKeepBoth}
}

func (p Policy) String() string {
	return string(p)
}

// ParsePolicy parses a policy name from the configuration. Names are case
// insensitive, and the empty string selects the default.
func ParsePolicy(name string) (Policy, error) {
	if name == "" {
		return DefaultPolicy, nil
	}

	p := Policy(strings.ToLower(strings.TrimSpace(name)))
	if !p.IsValid() {
		return "", fmt.Errorf("unknown conflict resolution policy %q (expected one of %v)",
			name, AllPolicies())
	}
	return p, nil
}
