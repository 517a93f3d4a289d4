package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
	"olympos.io/encoding/edn"

	"github.com/condo-io/condo/pkg/matcher"
	"github.com/condo-io/condo/pkg/sexp"
)

// Node is a host advertising its IP and tags under the nodes prefix.
type Node struct {
	Name string
	IP   string
	Tags map[string]string
}

// Service is one (name, document template) pair declared by a role.
type Service struct {
	Name     string
	Template sexp.Value
}

// Role pairs a compiled matcher with the services it declares. Nodes is
// derived: the name of every node the matcher currently selects.
type Role struct {
	Key      string
	Matcher  matcher.Matcher
	Services []Service
	Nodes    map[string]struct{}
}

// Watcher is a subscription to a single remote key. Roles is a multiset of
// the role keys currently referencing it; the watcher lives for as long as
// the multiset is non-empty.
type Watcher struct {
	Key   string
	Value sexp.Value
	Roles []string

	stop    func()
	stopped chan struct{}
}

// VKey addresses one materialized service document.
type VKey struct {
	Node    string
	Service string
}

// state is the reconciler's world model: the node, role and watcher indices
// plus the materialized (node, service) -> document map the services prefix
// is reconciled against. It is owned by the reconciler goroutine and never
// observed mid-mutation.
type state struct {
	nodes    map[string]*Node
	roles    map[string]*Role
	watchers map[string]*Watcher
	vkv      map[VKey]string
}

func newState() *state {
	return &state{
		nodes:    make(map[string]*Node),
		roles:    make(map[string]*Role),
		watchers: make(map[string]*Watcher),
		vkv:      make(map[VKey]string),
	}
}

func (s *state) watcherValues() map[string]sexp.Value {
	values := make(map[string]sexp.Value, len(s.watchers))
	for key, w := range s.watchers {
		values[key] = w.Value
	}
	return values
}

type nodeRecord struct {
	IP   string            `json:"ip"`
	Tags map[string]string `json:"tags"`
}

// parseNode reads the JSON record an upstream registrar publishes for a
// node.
func parseNode(name string, raw []byte) (*Node, error) {
	var rec nodeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(err, "node record")
	}
	if rec.IP == "" {
		return nil, fmt.Errorf(`node record has no "ip"`)
	}
	if rec.Tags == nil {
		rec.Tags = make(map[string]string)
	}
	return &Node{Name: name, IP: rec.IP, Tags: rec.Tags}, nil
}

// parseRole reads a role record: an EDN map with a :matcher expression and
// a :services map of keyword service name to document template. A service
// name that is not a keyword is logged and skipped.
func parseRole(ctx context.Context, key string, raw []byte) (*Role, error) {
	v, err := sexp.Parse(raw)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[interface{}]interface{})
	if !ok {
		return nil, fmt.Errorf("role record must be a map, got %v", v)
	}
	expr, ok := m[edn.Keyword("matcher")]
	if !ok {
		return nil, fmt.Errorf("role record has no :matcher")
	}
	mt, err := matcher.Compile(expr)
	if err != nil {
		return nil, errors.Wrap(err, "matcher")
	}
	rawServices, ok := m[edn.Keyword("services")].(map[interface{}]interface{})
	if !ok {
		return nil, fmt.Errorf("role record has no :services map")
	}
	services := make([]Service, 0, len(rawServices))
	for name, tmpl := range rawServices {
		kw, ok := name.(edn.Keyword)
		if !ok {
			dlog.Errorf(ctx, "role %s: service name %v is not a keyword, skipping", key, name)
			continue
		}
		services = append(services, Service{Name: string(kw), Template: tmpl})
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return &Role{
		Key:      key,
		Matcher:  mt,
		Services: services,
		Nodes:    make(map[string]struct{}),
	}, nil
}

func copyVKV(vkv map[VKey]string) map[VKey]string {
	out := make(map[VKey]string, len(vkv))
	for k, v := range vkv {
		out[k] = v
	}
	return out
}

func sortedVKeys(vkv map[VKey]string) []VKey {
	keys := make([]VKey, 0, len(vkv))
	for k := range vkv {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Node != keys[j].Node {
			return keys[i].Node < keys[j].Node
		}
		return keys[i].Service < keys[j].Service
	})
	return keys
}

func sortedRoles(roles map[string]*Role) []*Role {
	out := make([]*Role, 0, len(roles))
	for _, r := range roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func sortedNodes(nodes map[string]*Node) []*Node {
	out := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
