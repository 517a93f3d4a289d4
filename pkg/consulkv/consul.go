package consulkv

import (
	"context"
	"sort"
	"strings"

	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/consul/api"
	"github.com/hashicorp/consul/api/watch"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// consulClient implements Client on top of the Consul HTTP API. Watches are
// consul watch plans; a keyprefix plan reports the full list of pairs on
// every change, so successive snapshots are diffed by ModifyIndex into the
// per-key changes the engine consumes.
type consulClient struct {
	api *api.Client
	kv  *api.KV
}

// NewConsulClient connects to the Consul agent at address (the default
// agent address when empty).
func NewConsulClient(address string) (Client, error) {
	cfg := api.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	cl, err := api.NewClient(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "consul client")
	}
	return &consulClient{api: cl, kv: cl.KV()}, nil
}

func (c *consulClient) WatchPrefix(ctx context.Context, prefix string) (<-chan PrefixChange, func(), error) {
	plan, err := watch.Parse(map[string]interface{}{"type": "keyprefix", "prefix": strings.TrimSuffix(prefix, "/") + "/"})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "watch prefix %s", prefix)
	}
	ch := make(chan PrefixChange)
	known := make(map[string]uint64)
	plan.Handler = func(_ uint64, data interface{}) {
		pairs, _ := data.(api.KVPairs)
		for _, change := range diffPairs(known, pairs) {
			select {
			case ch <- change:
			case <-ctx.Done():
				return
			}
		}
	}
	go func() {
		defer close(ch)
		if err := plan.RunWithClientAndHclog(c.api, hclogger(ctx)); err != nil {
			dlog.Errorf(ctx, "prefix watch %q failed: %v", prefix, err)
		}
	}()
	return ch, plan.Stop, nil
}

func (c *consulClient) WatchKey(ctx context.Context, key string) (<-chan []byte, func(), error) {
	plan, err := watch.Parse(map[string]interface{}{"type": "key", "key": key})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "watch key %s", key)
	}
	ch := make(chan []byte)
	plan.Handler = func(_ uint64, data interface{}) {
		var body []byte
		if pair, ok := data.(*api.KVPair); ok && pair != nil {
			body = pair.Value
		}
		select {
		case ch <- body:
		case <-ctx.Done():
		}
	}
	go func() {
		defer close(ch)
		if err := plan.RunWithClientAndHclog(c.api, hclogger(ctx)); err != nil {
			dlog.Errorf(ctx, "key watch %q failed: %v", key, err)
		}
	}()
	return ch, plan.Stop, nil
}

func (c *consulClient) Put(ctx context.Context, path string, body []byte) error {
	_, err := c.kv.Put(&api.KVPair{Key: path, Value: body}, new(api.WriteOptions).WithContext(ctx))
	return errors.Wrapf(err, "put %s", path)
}

func (c *consulClient) Delete(ctx context.Context, path string) error {
	_, err := c.kv.Delete(path, new(api.WriteOptions).WithContext(ctx))
	return errors.Wrapf(err, "delete %s", path)
}

// diffPairs turns the full pair list a keyprefix plan reports into per-key
// changes, updating known (key -> ModifyIndex) as it goes. Pairs arrive
// sorted by key; removals are appended after in key order.
func diffPairs(known map[string]uint64, pairs api.KVPairs) []PrefixChange {
	var changes []PrefixChange
	present := make(map[string]bool, len(pairs))
	for _, pair := range pairs {
		present[pair.Key] = true
		idx, ok := known[pair.Key]
		switch {
		case !ok:
			changes = append(changes, PrefixChange{Kind: KeyNew, Key: pair.Key, Value: pair.Value})
		case idx != pair.ModifyIndex:
			changes = append(changes, PrefixChange{Kind: KeyUpdated, Key: pair.Key, Value: pair.Value})
		}
		known[pair.Key] = pair.ModifyIndex
	}
	removed := make([]string, 0, len(known))
	for key := range known {
		if !present[key] {
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	for _, key := range removed {
		delete(known, key)
		changes = append(changes, PrefixChange{Kind: KeyRemoved, Key: key})
	}
	return changes
}

func hclogger(ctx context.Context) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "consul.watch",
		Level:  hclog.Warn,
		Output: dlog.StdLogger(ctx, dlog.LogLevelWarn).Writer(),
	})
}
