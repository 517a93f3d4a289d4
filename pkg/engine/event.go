package engine

import (
	"github.com/condo-io/condo/pkg/consulkv"
	"github.com/condo-io/condo/pkg/sexp"
)

// event is the reconciler's input. Producers for the node prefix, the role
// prefix, the per-watcher key watches and the query endpoint all feed one
// merged channel; the reconciler consumes it strictly sequentially.
type event interface {
	isEvent()
}

// nodeEvent is a change under the nodes prefix.
type nodeEvent struct {
	kind consulkv.ChangeKind
	key  string
	raw  []byte
}

// roleEvent is a change under the roles prefix.
type roleEvent struct {
	kind consulkv.ChangeKind
	key  string
	raw  []byte
}

// watcherEvent carries a new parsed value for a running watcher.
type watcherEvent struct {
	key   string
	value sexp.Value
}

// watcherFailedEvent reports that a watcher's key watch ended on its own.
// That only happens when the remote side closed the watch, which is fatal.
type watcherFailedEvent struct {
	key string
}

// getStateEvent asks for a snapshot of the current state. It does not
// mutate; the reply channel must have room for one snapshot.
type getStateEvent struct {
	reply chan<- *StateSnapshot
}

func (nodeEvent) isEvent()          {}
func (roleEvent) isEvent()          {}
func (watcherEvent) isEvent()       {}
func (watcherFailedEvent) isEvent() {}
func (getStateEvent) isEvent()      {}
