package config

import (
	"fmt"
	"sort"
	"strings"
)

// CollectionMethod is a bit set of enumeration steps requested by the user.
type CollectionMethod uint32

const (
	MethodGroup CollectionMethod = 1 << iota
	MethodLocalAdmin
	MethodGPOLocalGroup
	MethodSession
	MethodLoggedOn
	MethodTrusts
	MethodACL
	MethodContainer
	MethodRDP
	MethodObjectProps
	MethodSessionLoop
	MethodLoggedOnLoop
	MethodDCOM
	MethodSPNTargets
	MethodPSRemote
	MethodUserRights
	MethodCARegistry
	MethodDCRegistry
	MethodCertServices
)

// Composite method sets
const (
	MethodLocalGroup   = MethodLocalAdmin | MethodRDP | MethodDCOM | MethodPSRemote
	MethodComputerOnly = MethodLocalGroup | MethodSession
	MethodDCOnly       = MethodACL | MethodContainer | MethodGroup | MethodObjectProps | MethodTrusts
	MethodDefault      = MethodGroup | MethodSession | MethodTrusts | MethodACL | MethodObjectProps | MethodLocalGroup | MethodContainer
	MethodAll          = MethodDefault | MethodLoggedOn
)

var methodNames = map[string]CollectionMethod{
	"group":        MethodGroup,
	"localadmin":   MethodLocalAdmin,
	"session":      MethodSession,
	"loggedon":     MethodLoggedOn,
	"trusts":       MethodTrusts,
	"acl":          MethodACL,
	"container":    MethodContainer,
	"rdp":          MethodRDP,
	"objectprops":  MethodObjectProps,
	"dcom":         MethodDCOM,
	"psremote":     MethodPSRemote,
	"localgroup":   MethodLocalGroup,
	"computeronly": MethodComputerOnly,
	"dconly":       MethodDCOnly,
	"default":      MethodDefault,
	"all":          MethodAll,
}

// Methods that require a connection to every computer
const computerMethods = MethodLocalGroup | MethodSession | MethodLoggedOn

// ParseCollectionMethods folds a list of method names (case-insensitive, comma
// separated values accepted) into a CollectionMethod set.
func ParseCollectionMethods(values []string) (CollectionMethod, error) {
	var m CollectionMethod
	for _, value := range values {
		for _, name := range strings.Split(value, ",") {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			bit, ok := methodNames[name]
			if !ok {
				return 0, fmt.Errorf("unknown collection method %q", name)
			}
			m |= bit
		}
	}
	if m == 0 {
		m = MethodDefault
	}
	return m, nil
}

// Has reports whether every bit of other is set.
func (m CollectionMethod) Has(other CollectionMethod) bool {
	return m&other == other
}

// Any reports whether at least one bit of other is set.
func (m CollectionMethod) Any(other CollectionMethod) bool {
	return m&other != 0
}

// NeedsComputers reports whether any host level enumeration is requested.
func (m CollectionMethod) NeedsComputers() bool {
	return m.Any(computerMethods)
}

// LoopMethods returns the subset of m that is meaningful in loop mode.
func (m CollectionMethod) LoopMethods() CollectionMethod {
	return m & (MethodSession | MethodLoggedOn)
}

// String returns a sorted, comma separated list of the single method names in m.
func (m CollectionMethod) String() string {
	var names []string
	for name, bit := range methodNames {
		if bit&(bit-1) != 0 {
			continue
		}
		if m.Has(bit) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
