package services

import (
	"sort"
	"strings"

	"parley/contexts/federation/messaging-sync/ports"
)

// Roster is an immutable snapshot of the configured peer set. Building a new
// Roster is the only way peer configuration changes reach the synchronizer.
type Roster struct {
	peers map[string]ports.Peer
}

func NewRoster(peers []ports.Peer) Roster {
	indexed := make(map[string]ports.Peer, len(peers))
	for _, peer := range peers {
		domain := strings.ToLower(strings.TrimSpace(peer.Domain))
		if domain == "" {
			continue
		}
		peer.Domain = domain
		peer.BaseURL = strings.TrimRight(strings.TrimSpace(peer.BaseURL), "/")
		indexed[domain] = peer
	}
	return Roster{peers: indexed}
}

func (r Roster) Lookup(domain string) (ports.Peer, bool) {
	peer, ok := r.peers[strings.ToLower(strings.TrimSpace(domain))]
	return peer, ok
}

func (r Roster) OutgoingPeers() []ports.Peer {
	out := make([]ports.Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		if peer.AllowOutgoing {
			out = append(out, peer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

func (r Roster) OutgoingDomains() []string {
	peers := r.OutgoingPeers()
	domains := make([]string, 0, len(peers))
	for _, peer := range peers {
		domains = append(domains, peer.Domain)
	}
	return domains
}
