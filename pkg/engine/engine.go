// Package engine is condo's reconciliation core. It merges node changes,
// role changes, watcher value updates and state queries into one serialized
// event stream, applies each event to the in-memory world model, and writes
// the resulting materialized-map diff back to the KV store.
package engine

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"
	"github.com/pkg/errors"

	"github.com/condo-io/condo/pkg/consulkv"
	"github.com/condo-io/condo/pkg/schema"
	"github.com/condo-io/condo/pkg/sexp"
	"github.com/condo-io/condo/pkg/template"
)

// Config carries the operator-configured key prefixes. The engine owns the
// services prefix exclusively.
type Config struct {
	NodesPrefix    string
	RolesPrefix    string
	ServicesPrefix string

	// PutRetryInterval is the back-off between attempts of a failed
	// service document write. Writes are retried until they succeed and
	// block the reconciler while they do. Defaults to 5s.
	PutRetryInterval time.Duration
}

// Engine materializes service documents from nodes and roles. Construct
// with New, drive with Run; Run owns all state and serves Snapshot requests
// through the event stream.
type Engine struct {
	client    consulkv.Client
	cfg       Config
	expander  *template.Expander
	events    chan event
	st        *state
	quit      chan struct{}
	watcherWG sync.WaitGroup
}

func New(client consulkv.Client, validator schema.Validator, cfg Config) *Engine {
	if cfg.PutRetryInterval == 0 {
		cfg.PutRetryInterval = 5 * time.Second
	}
	return &Engine{
		client:   client,
		cfg:      cfg,
		expander: template.NewExpander(validator),
		events:   make(chan event),
		st:       newState(),
		quit:     make(chan struct{}),
	}
}

// Run watches the node and role prefixes and reconciles until ctx ends or a
// watcher stream terminates unexpectedly. On shutdown the prefix watches
// are closed first, the merged stream is drained, and every watcher is
// stopped; in-flight write retries are abandoned.
func (e *Engine) Run(ctx context.Context) error {
	nodeCh, stopNodes, err := e.client.WatchPrefix(ctx, e.cfg.NodesPrefix)
	if err != nil {
		return errors.Wrapf(err, "watch %s", e.cfg.NodesPrefix)
	}
	roleCh, stopRoles, err := e.client.WatchPrefix(ctx, e.cfg.RolesPrefix)
	if err != nil {
		stopNodes()
		return errors.Wrapf(err, "watch %s", e.cfg.RolesPrefix)
	}

	var producers sync.WaitGroup
	producers.Add(2)
	go func() {
		defer producers.Done()
		for change := range nodeCh {
			select {
			case e.events <- nodeEvent{kind: change.Kind, key: change.Key, raw: change.Value}:
			case <-e.quit:
				return
			}
		}
	}()
	go func() {
		defer producers.Done()
		for change := range roleCh {
			select {
			case e.events <- roleEvent{kind: change.Kind, key: change.Key, raw: change.Value}:
			case <-e.quit:
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		stopNodes()
		stopRoles()
	}()
	producersDone := make(chan struct{})
	go func() {
		producers.Wait()
		close(producersDone)
	}()

	return e.reconcile(ctx, producersDone)
}

// Snapshot injects a state query into the event stream and returns the
// reply. The snapshot reflects exactly the events processed before the
// query.
func (e *Engine) Snapshot(ctx context.Context) (*StateSnapshot, error) {
	reply := make(chan *StateSnapshot, 1)
	select {
	case e.events <- getStateEvent{reply: reply}:
	case <-e.quit:
		return nil, errors.New("engine stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// reconcile is the single consumer of the merged event stream. All state
// mutation happens here.
func (e *Engine) reconcile(ctx context.Context, producersDone <-chan struct{}) error {
	defer e.stopWatchers(ctx)
	for {
		select {
		case ev := <-e.events:
			if err := e.apply(ctx, ev); err != nil {
				return err
			}
		case <-producersDone:
			// the prefix watches are closed; drain what is already
			// queued, then stop
			for {
				select {
				case ev := <-e.events:
					if err := e.apply(ctx, ev); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}

func (e *Engine) apply(ctx context.Context, ev event) error {
	switch ev := ev.(type) {
	case getStateEvent:
		ev.reply <- e.st.snapshot()
		return nil
	case watcherFailedEvent:
		return fmt.Errorf("watch on key %q ended unexpectedly", ev.key)
	}
	prev := copyVKV(e.st.vkv)
	switch ev := ev.(type) {
	case nodeEvent:
		e.applyNode(ctx, ev)
	case roleEvent:
		if err := e.applyRole(ctx, ev); err != nil {
			return err
		}
	case watcherEvent:
		e.applyWatcherValue(ctx, ev)
	}
	e.flush(ctx, prev)
	return nil
}

func (e *Engine) applyNode(ctx context.Context, ev nodeEvent) {
	name := path.Base(ev.key)
	if ev.kind == consulkv.KeyRemoved {
		e.removeNode(name)
		return
	}
	node, err := parseNode(name, ev.raw)
	if err != nil {
		dlog.Errorf(ctx, "dropping node record %s: %v", ev.key, err)
		return
	}
	// an update is a removal plus an addition within a single step
	e.removeNode(name)
	e.addNode(ctx, node)
}

func (e *Engine) removeNode(name string) {
	if _, ok := e.st.nodes[name]; !ok {
		return
	}
	delete(e.st.nodes, name)
	for _, r := range e.st.roles {
		delete(r.Nodes, name)
	}
	for k := range e.st.vkv {
		if k.Node == name {
			delete(e.st.vkv, k)
		}
	}
}

func (e *Engine) addNode(ctx context.Context, n *Node) {
	e.st.nodes[n.Name] = n
	values := e.st.watcherValues()
	for _, r := range sortedRoles(e.st.roles) {
		if !r.Matcher.Matches(n.Tags) {
			continue
		}
		r.Nodes[n.Name] = struct{}{}
		e.renderServices(ctx, r, n, values)
	}
}

func (e *Engine) applyRole(ctx context.Context, ev roleEvent) error {
	key := path.Base(ev.key)
	if ev.kind == consulkv.KeyRemoved {
		e.removeRole(ctx, key)
		return nil
	}
	role, err := parseRole(ctx, key, ev.raw)
	if err != nil {
		dlog.Errorf(ctx, "dropping role %s: %v", ev.key, err)
		return nil
	}
	// an update is a removal plus an installation within a single step
	e.removeRole(ctx, key)
	return e.installRole(ctx, role)
}

func (e *Engine) removeRole(ctx context.Context, key string) {
	r, ok := e.st.roles[key]
	if !ok {
		return
	}
	for name := range r.Nodes {
		for _, svc := range r.Services {
			delete(e.st.vkv, VKey{Node: name, Service: svc.Name})
		}
	}
	e.decrefWatchers(ctx, key)
	delete(e.st.roles, key)
}

func (e *Engine) installRole(ctx context.Context, r *Role) error {
	var keys []string
	seen := make(map[string]bool)
	for _, svc := range r.Services {
		for _, key := range template.FindWatchers(ctx, svc.Template) {
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}
	if err := e.increfWatchers(ctx, r.Key, keys); err != nil {
		return err
	}
	e.st.roles[r.Key] = r
	values := e.st.watcherValues()
	for _, n := range sortedNodes(e.st.nodes) {
		if !r.Matcher.Matches(n.Tags) {
			continue
		}
		r.Nodes[n.Name] = struct{}{}
		e.renderServices(ctx, r, n, values)
	}
	return nil
}

func (e *Engine) applyWatcherValue(ctx context.Context, ev watcherEvent) {
	w, ok := e.st.watchers[ev.key]
	if !ok {
		// an update raced a decref; the watch is already stopped
		return
	}
	w.Value = ev.value
	values := e.st.watcherValues()
	for _, r := range sortedRoles(e.st.roles) {
		if !contains(w.Roles, r.Key) {
			continue
		}
		for _, n := range sortedNodes(e.st.nodes) {
			if _, ok := r.Nodes[n.Name]; !ok {
				continue
			}
			e.renderServices(ctx, r, n, values)
		}
	}
}

// renderServices expands every service the role declares for the node and
// records the documents in the materialized map. A rendering that fails
// validation keeps the last known-good document if there is one, and is
// omitted otherwise.
func (e *Engine) renderServices(ctx context.Context, r *Role, n *Node, values map[string]sexp.Value) {
	for _, svc := range r.Services {
		vk := VKey{Node: n.Name, Service: svc.Name}
		doc, ok := e.expander.Expand(ctx, svc.Template, values, n.IP)
		if !ok {
			if _, exists := e.st.vkv[vk]; exists {
				dlog.Warnf(ctx, "keeping previous document for %s/%s", n.Name, svc.Name)
			} else {
				dlog.Warnf(ctx, "no document for %s/%s", n.Name, svc.Name)
			}
			continue
		}
		e.st.vkv[vk] = doc
	}
}

// flush writes the difference between the previous and current
// materialized maps to the services prefix. A failed PUT is retried until
// it succeeds and blocks further event processing; a failed DELETE is
// logged and not retried.
func (e *Engine) flush(ctx context.Context, prev map[VKey]string) {
	if ctx.Err() != nil {
		return
	}
	for _, k := range sortedVKeys(e.st.vkv) {
		doc := e.st.vkv[k]
		if old, ok := prev[k]; ok && old == doc {
			continue
		}
		e.putWithRetry(ctx, e.servicePath(k), doc)
	}
	for _, k := range sortedVKeys(prev) {
		if _, ok := e.st.vkv[k]; ok {
			continue
		}
		if err := e.client.Delete(ctx, e.servicePath(k)); err != nil {
			dlog.Errorf(ctx, "delete %s/%s: %v (not retried)", k.Node, k.Service, err)
		}
	}
}

func (e *Engine) putWithRetry(ctx context.Context, p, doc string) {
	for {
		err := e.client.Put(ctx, p, []byte(doc))
		if err == nil {
			return
		}
		dlog.Errorf(ctx, "put %s: %v (retrying in %s)", p, err, e.cfg.PutRetryInterval)
		dtime.SleepWithContext(ctx, e.cfg.PutRetryInterval)
		if ctx.Err() != nil {
			return
		}
	}
}

func (e *Engine) servicePath(k VKey) string {
	return path.Join(e.cfg.ServicesPrefix, k.Node, k.Service)
}

func contains(ss []string, s string) bool {
	for _, e := range ss {
		if e == s {
			return true
		}
	}
	return false
}
