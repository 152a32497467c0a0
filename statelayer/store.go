// Package statelayer implements the two state-origin modes a Backend can
// run against: Local, where state starts empty, and Forked, where reads
// are lazily hydrated from a pinned remote block. Both are thin decorators
// over a backend.Backend rather than a new storage engine, grounded on
// core/vm/runtime/runtime_test.go's state.New(types.EmptyRootHash,
// state.NewDatabaseForTesting()) pattern for the empty case.
package statelayer

import "github.com/forge-run/forge/backend"

// Store is the capability set exposed to callers above the backend
// package; both modes are a backend.Backend, so the executor and fuzz
// driver never need to know which one they were handed.
type Store interface {
	backend.Backend
}

// Local is state starting empty except for whatever the caller deploys;
// no decoration is needed, since a freshly constructed backend.Backend
// already behaves this way.
type Local struct {
	backend.Backend
}

func NewLocal(b backend.Backend) *Local {
	return &Local{Backend: b}
}
