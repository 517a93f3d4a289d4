package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/condo-io/condo/pkg/consulkv"
)

// fakeKV is an in-memory stand-in for the store client. Prefix and key
// streams are buffered channels the test feeds; writes are recorded in an
// operation log and a current-state map.
type fakeKV struct {
	mu       sync.Mutex
	prefixes map[string]*fakeStream
	keys     map[string]*fakeKeyStream
	written  map[string]string
	ops      []string
	putFails int
}

type fakeStream struct {
	ch   chan consulkv.PrefixChange
	once sync.Once
}

type fakeKeyStream struct {
	ch    chan []byte
	once  sync.Once
	stops int
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		prefixes: make(map[string]*fakeStream),
		keys:     make(map[string]*fakeKeyStream),
		written:  make(map[string]string),
	}
}

func (f *fakeKV) WatchPrefix(_ context.Context, prefix string) (<-chan consulkv.PrefixChange, func(), error) {
	s := f.prefixStream(prefix)
	return s.ch, func() { s.once.Do(func() { close(s.ch) }) }, nil
}

func (f *fakeKV) WatchKey(_ context.Context, key string) (<-chan []byte, func(), error) {
	f.mu.Lock()
	s, ok := f.keys[key]
	if !ok {
		// an unseeded key behaves like an absent one: the watch's
		// first delivery is nil
		s = &fakeKeyStream{ch: make(chan []byte, 16)}
		s.ch <- nil
		f.keys[key] = s
	}
	f.mu.Unlock()
	stop := func() {
		f.mu.Lock()
		s.stops++
		f.mu.Unlock()
		s.once.Do(func() { close(s.ch) })
	}
	return s.ch, stop, nil
}

func (f *fakeKV) Put(_ context.Context, path string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putFails > 0 {
		f.putFails--
		f.ops = append(f.ops, "put-failed "+path)
		return fmt.Errorf("kv put %s: 500", path)
	}
	f.written[path] = string(body)
	f.ops = append(f.ops, "put "+path)
	return nil
}

func (f *fakeKV) Delete(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.written, path)
	f.ops = append(f.ops, "delete "+path)
	return nil
}

func (f *fakeKV) prefixStream(prefix string) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.prefixes[prefix]
	if !ok {
		s = &fakeStream{ch: make(chan consulkv.PrefixChange, 64)}
		f.prefixes[prefix] = s
	}
	return s
}

func (f *fakeKV) send(prefix string, kind consulkv.ChangeKind, key, value string) {
	var raw []byte
	if kind != consulkv.KeyRemoved {
		raw = []byte(value)
	}
	f.prefixStream(prefix).ch <- consulkv.PrefixChange{Kind: kind, Key: key, Value: raw}
}

// seedKey installs a key stream whose first delivery is value. Must happen
// before any role referencing the key arrives.
func (f *fakeKV) seedKey(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeKeyStream{ch: make(chan []byte, 16)}
	s.ch <- []byte(value)
	f.keys[key] = s
}

func (f *fakeKV) updateKey(key, value string) {
	f.mu.Lock()
	s := f.keys[key]
	f.mu.Unlock()
	s.ch <- []byte(value)
}

// killKey terminates a key stream without a stop, as a remote end-of-stream
// would.
func (f *fakeKV) killKey(key string) {
	f.mu.Lock()
	s := f.keys[key]
	f.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}

func (f *fakeKV) get(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.written[path]
	return v, ok
}

func (f *fakeKV) writtenCopy() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.written))
	for k, v := range f.written {
		out[k] = v
	}
	return out
}

func (f *fakeKV) opLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeKV) stopCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.keys[key]; ok {
		return s.stops
	}
	return 0
}

func (f *fakeKV) failNextPuts(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putFails = n
}
