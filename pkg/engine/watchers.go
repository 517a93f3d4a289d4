package engine

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"

	"github.com/condo-io/condo/pkg/sexp"
)

// increfWatchers records that roleKey references every key in keys. A key
// without a watcher gets a new remote watch; that blocks until the watch
// delivers its first value, so a role never starts materializing documents
// before every watcher it references holds a concrete value.
func (e *Engine) increfWatchers(ctx context.Context, roleKey string, keys []string) error {
	for _, key := range keys {
		if w, ok := e.st.watchers[key]; ok {
			w.Roles = append(w.Roles, roleKey)
			continue
		}
		w, err := e.startWatcher(ctx, key)
		if err != nil {
			return err
		}
		w.Roles = []string{roleKey}
		e.st.watchers[key] = w
		dlog.Infof(ctx, "started watcher %q for role %q", key, roleKey)
	}
	return nil
}

// decrefWatchers removes one occurrence of roleKey from every watcher's
// role multiset. Watchers whose multiset drains are stopped and dropped.
func (e *Engine) decrefWatchers(ctx context.Context, roleKey string) {
	for key, w := range e.st.watchers {
		w.Roles = removeOne(w.Roles, roleKey)
		if len(w.Roles) > 0 {
			continue
		}
		close(w.stopped)
		w.stop()
		delete(e.st.watchers, key)
		dlog.Infof(ctx, "stopped watcher %q, no role references it", key)
	}
}

func (e *Engine) startWatcher(ctx context.Context, key string) (*Watcher, error) {
	ch, stop, err := e.client.WatchKey(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "watch %s", key)
	}
	// the first read blocks the reconciler step on purpose
	var raw []byte
	select {
	case v, ok := <-ch:
		if !ok {
			stop()
			return nil, fmt.Errorf("watch on %q ended before delivering a value", key)
		}
		raw = v
	case <-ctx.Done():
		stop()
		return nil, ctx.Err()
	}
	w := &Watcher{
		Key:     key,
		Value:   parseWatcherValue(ctx, key, raw),
		stop:    stop,
		stopped: make(chan struct{}),
	}
	e.watcherWG.Add(1)
	go e.forwardWatcher(ctx, w, ch)
	return w, nil
}

// forwardWatcher turns updates from a key watch into watcherEvents. A
// channel that closes without the watcher having been stopped means the
// remote side terminated the watch, which is fatal for the engine.
func (e *Engine) forwardWatcher(ctx context.Context, w *Watcher, ch <-chan []byte) {
	defer e.watcherWG.Done()
	for raw := range ch {
		ev := watcherEvent{key: w.Key, value: parseWatcherValue(ctx, w.Key, raw)}
		select {
		case e.events <- ev:
		case <-e.quit:
			return
		}
	}
	select {
	case <-w.stopped:
		return
	default:
	}
	select {
	case e.events <- watcherFailedEvent{key: w.Key}:
	case <-e.quit:
	}
}

// stopWatchers ends every key watch and waits for the forwarders. Called
// exactly once, when the reconciler stops consuming.
func (e *Engine) stopWatchers(ctx context.Context) {
	close(e.quit)
	dlog.Debugf(ctx, "stopping %d watchers", len(e.st.watchers))
	for _, w := range e.st.watchers {
		select {
		case <-w.stopped:
		default:
			close(w.stopped)
		}
		w.stop()
	}
	e.watcherWG.Wait()
}

func parseWatcherValue(ctx context.Context, key string, raw []byte) sexp.Value {
	if raw == nil {
		return nil
	}
	v, err := sexp.Parse(raw)
	if err != nil {
		dlog.Errorf(ctx, "watcher %q: unparseable value: %v", key, err)
		return nil
	}
	return v
}

func removeOne(roles []string, roleKey string) []string {
	for i, r := range roles {
		if r == roleKey {
			return append(roles[:i], roles[i+1:]...)
		}
	}
	return roles
}
