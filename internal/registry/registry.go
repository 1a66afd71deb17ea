package registry

import (
	"errors"
	"sync"
)

var (
	ErrUnknownHost  = errors.New("unknown host")
	ErrUnknownGroup = errors.New("unknown group")
	ErrHostDisabled = errors.New("host disabled")
)

// HostConfig is the configured identity of a single host. Hosts that
// joined through a group are ephemeral and carry a non-empty Gid.
type HostConfig struct {
	Name       string
	Password   string
	Alias      string
	Location   string
	Type       string
	MonthStart int
	Notify     bool
	Disabled   bool
	Labels     string
	Gid        string

	Weight uint64
	Pos    int

	// Recovery baselines for the cumulative network counters
	LastNetworkIn  uint64
	LastNetworkOut uint64
}

// HostGroup is a template shared by hosts authenticating with a group credential
type HostGroup struct {
	Gid      string
	Password string
	Location string
	Type     string
	Notify   bool
	Labels   string

	Weight uint64
	Pos    int
}

// Instantiate builds an ephemeral host config for a group member
func (g *HostGroup) Instantiate(name string) *HostConfig {
	return &HostConfig{
		Name:       name,
		Gid:        g.Gid,
		Password:   g.Password,
		Alias:      name,
		Location:   g.Location,
		Type:       g.Type,
		MonthStart: 1,
		Notify:     g.Notify,
		Labels:     g.Labels,
		Weight:     g.Weight,
		Pos:        g.Pos,
	}
}

// Registry holds the host and group tables. Lookups hand out copies;
// mutation goes through the methods below.
type Registry struct {
	mu     sync.RWMutex
	hosts  map[string]*HostConfig
	groups map[string]*HostGroup
}

// New creates a registry from static host and group lists. Positions
// and weights follow list order: earlier entries rank higher.
func New(hosts []HostConfig, groups []HostGroup) *Registry {
	r := &Registry{
		hosts:  make(map[string]*HostConfig, len(hosts)),
		groups: make(map[string]*HostGroup, len(groups)),
	}

	for idx := range hosts {
		h := hosts[idx]
		h.Pos = idx
		h.Weight = uint64(10000 - idx)
		if h.Alias == "" {
			h.Alias = h.Name
		}
		if h.MonthStart < 1 || h.MonthStart > 31 {
			h.MonthStart = 1
		}
		r.hosts[h.Name] = &h
	}

	for idx := range groups {
		g := groups[idx]
		g.Pos = idx
		g.Weight = uint64(10000 - (1+idx)*100)
		r.groups[g.Gid] = &g
	}

	return r
}

// Host returns a copy of the named host config
func (r *Registry) Host(name string) (HostConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.hosts[name]
	if !ok {
		return HostConfig{}, false
	}
	return *h, true
}

// Group returns a copy of the named group
func (r *Registry) Group(gid string) (HostGroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[gid]
	if !ok {
		return HostGroup{}, false
	}
	return *g, true
}

// Len returns the number of known hosts, ephemeral ones included
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hosts)
}

// Bind resolves the host config a report from name under gid applies
// to. When gid is set and the host is unknown or bound to another group,
// a fresh config is instantiated from the group template; the network
// baselines of any previous binding are carried over.
func (r *Registry) Bind(name, gid string) (HostConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gid != "" {
		prev, exists := r.hosts[name]
		if !exists || prev.Gid != gid {
			group, ok := r.groups[gid]
			if !ok {
				return HostConfig{}, ErrUnknownGroup
			}
			h := group.Instantiate(name)
			if exists {
				h.LastNetworkIn = prev.LastNetworkIn
				h.LastNetworkOut = prev.LastNetworkOut
			}
			r.hosts[name] = h
		}
	}

	h, ok := r.hosts[name]
	if !ok {
		return HostConfig{}, ErrUnknownHost
	}
	if h.Disabled {
		return HostConfig{}, ErrHostDisabled
	}
	return *h, nil
}

// SetBaselines stores the network counter baselines of a host
func (r *Registry) SetBaselines(name string, in, out uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.hosts[name]; ok {
		h.LastNetworkIn = in
		h.LastNetworkOut = out
	}
}

// SeedBaselines sets baselines of a configured host, typically from the
// recovery file. It reports whether the host was known.
func (r *Registry) SeedBaselines(name string, in, out uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hosts[name]
	if !ok {
		return false
	}
	h.LastNetworkIn = in
	h.LastNetworkOut = out
	return true
}

// Remove drops group-bound hosts by name; static hosts are never removed
func (r *Registry) Remove(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range names {
		if h, ok := r.hosts[name]; ok && h.Gid != "" {
			delete(r.hosts, name)
		}
	}
}

// Auth checks host credentials
func (r *Registry) Auth(name, password string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.hosts[name]
	return ok && h.Password == password
}

// GroupAuth checks group credentials
func (r *Registry) GroupAuth(gid, password string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[gid]
	return ok && g.Password == password
}
