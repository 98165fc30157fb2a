package backend

import "github.com/joescharf/conductor/internal/apperr"

// Capabilities is the fixed feature record a backend declares.
type Capabilities struct {
	Create       bool `json:"create"`
	Update       bool `json:"update"`
	Delete       bool `json:"delete"`
	Close        bool `json:"close"`
	Search       bool `json:"search"`
	Query        bool `json:"query"`
	ListReady    bool `json:"listReady"`
	Dependencies bool `json:"dependencies"`
	Labels       bool `json:"labels"`
	Sync         bool `json:"sync"`

	// MaxConcurrency is a hint for callers; 0 means unlimited.
	MaxConcurrency int `json:"maxConcurrency"`
}

// Capability names one boolean capability flag.
type Capability string

const (
	CapCreate       Capability = "create"
	CapUpdate       Capability = "update"
	CapDelete       Capability = "delete"
	CapClose        Capability = "close"
	CapSearch       Capability = "search"
	CapQuery        Capability = "query"
	CapListReady    Capability = "list-ready"
	CapDependencies Capability = "dependencies"
	CapLabels       Capability = "labels"
	CapSync         Capability = "sync"
)

// Has reports whether the flag is set.
func (c Capabilities) Has(cap Capability) bool {
	switch cap {
	case CapCreate:
		return c.Create
	case CapUpdate:
		return c.Update
	case CapDelete:
		return c.Delete
	case CapClose:
		return c.Close
	case CapSearch:
		return c.Search
	case CapQuery:
		return c.Query
	case CapListReady:
		return c.ListReady
	case CapDependencies:
		return c.Dependencies
	case CapLabels:
		return c.Labels
	case CapSync:
		return c.Sync
	default:
		return false
	}
}

// AssertCapability fails with UNSUPPORTED unless every named flag is set.
// Backends call it before any external side effect; a failure here means the
// caller skipped its own capability check.
func AssertCapability(c Capabilities, caps ...Capability) error {
	for _, cap := range caps {
		if !c.Has(cap) {
			return apperr.New(apperr.Unsupported, "backend does not support %s", cap)
		}
	}
	return nil
}
