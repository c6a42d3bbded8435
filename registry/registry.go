// Package registry maps hostnames to the pinning policy that governs them.
package registry

import (
	"sort"

	"github.com/cloudflare/certpin/policy"
)

// companionPrefix is registered alongside every bare domain.
const companionPrefix = "www."

// Registry is an immutable hostname to policy table. Lookups are exact and
// case-sensitive: a policy for example.com covers www.example.com but not
// api.example.com. A nil Registry is empty. It is safe for concurrent use.
type Registry struct {
	policies map[string]*policy.Policy
}

// Build registers p for every domain and its www. companion. Repeated
// domains overwrite earlier entries.
func Build(p *policy.Policy, domains []string) *Registry {
	r := &Registry{policies: make(map[string]*policy.Policy, 2*len(domains))}
	for _, domain := range domains {
		r.policies[domain] = p
		r.policies[companionPrefix+domain] = p
	}
	return r
}

// Merge combines registries in order; a host present in several keeps the
// policy of the last one.
func Merge(rs ...*Registry) *Registry {
	merged := &Registry{policies: make(map[string]*policy.Policy)}
	for _, r := range rs {
		if r == nil {
			continue
		}
		for host, p := range r.policies {
			merged.policies[host] = p
		}
	}
	return merged
}

// Lookup returns the policy registered for host.
func (r *Registry) Lookup(host string) (*policy.Policy, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.policies[host]
	return p, ok
}

// Hosts returns every registered host in lexical order.
func (r *Registry) Hosts() []string {
	if r == nil {
		return nil
	}
	hosts := make([]string, 0, len(r.policies))
	for host := range r.policies {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.policies)
}
