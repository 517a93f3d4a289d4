// Package consulkv is the engine's view of the coordination KV store: long
// polled watches over key prefixes and single keys, plus the plain PUT and
// DELETE used to write materialized services back.
package consulkv

import (
	"context"
	"fmt"
)

// ChangeKind tells how a key under a watched prefix changed.
type ChangeKind int

const (
	KeyNew ChangeKind = iota
	KeyUpdated
	KeyRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case KeyNew:
		return "new"
	case KeyUpdated:
		return "updated"
	case KeyRemoved:
		return "removed"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// PrefixChange is one observed change under a watched prefix. Value is nil
// for KeyRemoved.
type PrefixChange struct {
	Kind  ChangeKind
	Key   string
	Value []byte
}

// Client is the store interface the engine consumes.
//
// WatchPrefix reports every key under the prefix as KeyNew when the watch
// starts and a change per mutation after that; changes within one watch
// arrive in remote order. WatchKey delivers the key's current raw value
// first (nil when the key does not exist) and every new value after that.
// Both channels close when the watch terminates; the returned stop function
// terminates it deliberately.
type Client interface {
	WatchPrefix(ctx context.Context, prefix string) (<-chan PrefixChange, func(), error)
	WatchKey(ctx context.Context, key string) (<-chan []byte, func(), error)
	Put(ctx context.Context, path string, body []byte) error
	Delete(ctx context.Context, path string) error
}
