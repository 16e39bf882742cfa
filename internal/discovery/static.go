// Package discovery enumerates cluster peer endpoints for the
// replication core.
package discovery

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/KilimcininKorOglu/kervan/internal/raft"
)

// Static is a Discovery built from a fixed seed list plus runtime
// registrations. Every registration is assigned a member id; registering
// the same endpoint again replaces the earlier member.
type Static struct {
	mu      sync.RWMutex
	seeds   []string
	members map[string]raft.Member // endpoint -> member
}

// NewStatic creates a discovery with the given seed endpoints.
func NewStatic(seeds []string) *Static {
	s := &Static{
		seeds:   make([]string, len(seeds)),
		members: make(map[string]raft.Member),
	}
	copy(s.seeds, seeds)
	return s
}

// Register implements raft.Discovery. A missing member id is assigned.
func (s *Static) Register(member raft.Member) error {
	if member.ID == "" {
		member.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[member.Endpoint] = member
	return nil
}

// GetNodes implements raft.Discovery. The result is the union of seeds
// and registered endpoints, sorted and deduplicated.
func (s *Static) GetNodes() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{}, len(s.seeds)+len(s.members))
	nodes := make([]string, 0, len(s.seeds)+len(s.members))
	for _, seed := range s.seeds {
		if _, ok := seen[seed]; !ok {
			seen[seed] = struct{}{}
			nodes = append(nodes, seed)
		}
	}
	for endpoint := range s.members {
		if _, ok := seen[endpoint]; !ok {
			seen[endpoint] = struct{}{}
			nodes = append(nodes, endpoint)
		}
	}
	sort.Strings(nodes)
	return nodes, nil
}

// Members returns the registered members.
func (s *Static) Members() []raft.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]raft.Member, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Endpoint < members[j].Endpoint })
	return members
}
