package engine

import (
	"sort"

	"github.com/condo-io/condo/pkg/sexp"
)

// StateSnapshot is the immutable copy of the world model handed out for a
// state query. The JSON shape is what the query endpoint serves; VKV is for
// in-process consumers only.
type StateSnapshot struct {
	Roles    []RoleSnapshot    `json:"roles"`
	Nodes    []NodeSnapshot    `json:"nodes"`
	Watchers []WatcherSnapshot `json:"watchers"`

	VKV map[VKey]string `json:"-"`
}

type RoleSnapshot struct {
	Key      string   `json:"key"`
	Nodes    []string `json:"nodes"`
	Services []string `json:"services"`
}

type NodeSnapshot struct {
	IP   string            `json:"ip"`
	Name string            `json:"name"`
	Tags map[string]string `json:"tags"`
	// Roles is derived: the key of every role whose node list contains
	// this node.
	Roles []string `json:"roles"`
}

type WatcherSnapshot struct {
	Key   string   `json:"key"`
	Roles []string `json:"roles"`
	// Value is the watcher's symbolic value re-encoded as JSON.
	Value interface{} `json:"watcher_value"`
}

func (s *state) snapshot() *StateSnapshot {
	snap := &StateSnapshot{
		Roles:    make([]RoleSnapshot, 0, len(s.roles)),
		Nodes:    make([]NodeSnapshot, 0, len(s.nodes)),
		Watchers: make([]WatcherSnapshot, 0, len(s.watchers)),
		VKV:      copyVKV(s.vkv),
	}
	for _, r := range sortedRoles(s.roles) {
		nodes := make([]string, 0, len(r.Nodes))
		for name := range r.Nodes {
			nodes = append(nodes, name)
		}
		sort.Strings(nodes)
		services := make([]string, 0, len(r.Services))
		for _, svc := range r.Services {
			services = append(services, svc.Name)
		}
		snap.Roles = append(snap.Roles, RoleSnapshot{Key: r.Key, Nodes: nodes, Services: services})
	}
	for _, n := range sortedNodes(s.nodes) {
		tags := make(map[string]string, len(n.Tags))
		for k, v := range n.Tags {
			tags[k] = v
		}
		roles := make([]string, 0, len(s.roles))
		for _, r := range sortedRoles(s.roles) {
			if _, ok := r.Nodes[n.Name]; ok {
				roles = append(roles, r.Key)
			}
		}
		snap.Nodes = append(snap.Nodes, NodeSnapshot{IP: n.IP, Name: n.Name, Tags: tags, Roles: roles})
	}
	watcherKeys := make([]string, 0, len(s.watchers))
	for key := range s.watchers {
		watcherKeys = append(watcherKeys, key)
	}
	sort.Strings(watcherKeys)
	for _, key := range watcherKeys {
		w := s.watchers[key]
		roles := append([]string(nil), w.Roles...)
		sort.Strings(roles)
		snap.Watchers = append(snap.Watchers, WatcherSnapshot{Key: key, Roles: roles, Value: sexp.ToJSON(w.Value)})
	}
	return snap
}
