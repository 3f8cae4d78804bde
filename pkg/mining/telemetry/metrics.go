package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Point is one metric value.
type Point struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Snapshot is a sorted copy of a Registry.
type Snapshot struct {
	Counters []Point `json:"counters"`
	Gauges   []Point `json:"gauges"`
}

// Registry is a minimal in-process counter and gauge store.
type Registry struct {
	mu       sync.Mutex
	counters map[string]Point
	gauges   map[string]Point
}

func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]Point), gauges: make(map[string]Point)}
}

func (r *Registry) Inc(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	key, ls := labelKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.counters[key]
	if !ok {
		p = Point{Name: name, Labels: ls}
	}
	p.Value += delta
	r.counters[key] = p
}

func (r *Registry) Set(name string, labels map[string]string, value float64) {
	key, ls := labelKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[key] = Point{Name: name, Labels: ls, Value: value}
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Snapshot{Counters: collect(r.counters), Gauges: collect(r.gauges)}
	return out
}

// Prometheus renders the registry in the text exposition format.
func (r *Registry) Prometheus() string {
	s := r.Snapshot()
	var b strings.Builder
	for _, p := range append(s.Counters, s.Gauges...) {
		b.WriteString(p.Name)
		if len(p.Labels) > 0 {
			keys := sortedKeys(p.Labels)
			parts := make([]string, len(keys))
			for i, k := range keys {
				parts[i] = fmt.Sprintf("%s=%q", k, p.Labels[k])
			}
			b.WriteString("{" + strings.Join(parts, ",") + "}")
		}
		fmt.Fprintf(&b, " %g\n", p.Value)
	}
	return b.String()
}

func collect(m map[string]Point) []Point {
	keys := sortedKeys(m)
	out := make([]Point, 0, len(m))
	for _, k := range keys {
		p := m[k]
		if p.Labels != nil {
			ls := make(map[string]string, len(p.Labels))
			for lk, lv := range p.Labels {
				ls[lk] = lv
			}
			p.Labels = ls
		}
		out = append(out, p)
	}
	return out
}

func labelKey(name string, labels map[string]string) (string, map[string]string) {
	if len(labels) == 0 {
		return name, nil
	}
	keys := sortedKeys(labels)
	cp := make(map[string]string, len(labels))
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		cp[k] = labels[k]
		b.WriteString("|" + k + "=" + labels[k])
	}
	return b.String(), cp
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
