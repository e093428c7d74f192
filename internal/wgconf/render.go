// Package wgconf renders the relay's wg-quick configuration from its
// identity and the active peer set.
package wgconf

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/nigping/relay-agent/internal/constants"
	"github.com/nigping/relay-agent/internal/identity"
	"github.com/nigping/relay-agent/internal/logger"
	"github.com/nigping/relay-agent/internal/models"
	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Options are the fixed interface parameters.
type Options struct {
	ListenPort      int
	Address         string // host address with prefix, e.g. 10.0.0.1/24
	EgressInterface string
	Log             *zap.Logger
}

// DefaultOptions returns the well-known interface parameters.
func DefaultOptions() Options {
	return Options{
		ListenPort:      constants.DefaultListenPort,
		Address:         constants.DefaultTunnelAddress,
		EgressInterface: constants.DefaultEgressInterface,
	}
}

// Skip is a peer left out of the rendered file.
type Skip struct {
	Peer   models.PeerRecord
	Reason string
}

// Result is the rendered text and the peers that made it in.
type Result struct {
	Text     string
	Rendered []models.PeerRecord
	Skipped  []Skip
}

// Render produces the configuration. Peer sections follow input order;
// callers pass a stable order (see SortPeers) for byte-identical output.
// Invalid or duplicate peers are skipped with one warning each.
func Render(id identity.RelayIdentity, peers []models.PeerRecord, opts Options) Result {
	log := opts.Log
	if log == nil {
		log = logger.New("wgconf")
	}
	network, _ := netip.ParsePrefix(opts.Address)

	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", id.PrivateKey)
	fmt.Fprintf(&b, "ListenPort = %d\n", opts.ListenPort)
	fmt.Fprintf(&b, "Address = %s\n", opts.Address)
	fmt.Fprintf(&b, "PostUp = %s\n", natRules("-A", opts.EgressInterface))
	fmt.Fprintf(&b, "PostDown = %s\n", natRules("-D", opts.EgressInterface))

	res := Result{}
	seenKeys := make(map[string]struct{}, len(peers))
	seenAddrs := make(map[netip.Addr]struct{}, len(peers))

	for _, peer := range peers {
		addr, reason := validatePeer(peer, network, id.PublicKey)
		if reason == "" {
			if _, dup := seenKeys[peer.PublicKey]; dup {
				reason = "duplicate public key"
			} else if _, dup := seenAddrs[addr]; dup {
				reason = "duplicate tunnel address"
			}
		}
		if reason != "" {
			log.Warn("Skipping peer",
				zap.String("peer_id", peer.ID),
				zap.String("user_id", peer.UserID),
				zap.String("reason", reason))
			res.Skipped = append(res.Skipped, Skip{Peer: peer, Reason: reason})
			continue
		}
		seenKeys[peer.PublicKey] = struct{}{}
		seenAddrs[addr] = struct{}{}

		b.WriteString("\n")
		fmt.Fprintf(&b, "# user=%s device=%s\n", oneLine(peer.UserID), oneLine(peer.Label()))
		b.WriteString("[Peer]\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", peer.PublicKey)
		fmt.Fprintf(&b, "AllowedIPs = %s/32\n", addr)
		res.Rendered = append(res.Rendered, peer)
	}

	res.Text = b.String()
	return res
}

func natRules(op, egress string) string {
	return strings.Join([]string{
		fmt.Sprintf("iptables %s FORWARD -i %%i -j ACCEPT", op),
		fmt.Sprintf("iptables %s FORWARD -o %%i -j ACCEPT", op),
		fmt.Sprintf("iptables -t nat %s POSTROUTING -o %s -j MASQUERADE", op, egress),
	}, "; ")
}

// validatePeer returns the peer's tunnel address, or a non-empty reason
// when the record must not be rendered.
func validatePeer(peer models.PeerRecord, network netip.Prefix, relayKey string) (netip.Addr, string) {
	if strings.TrimSpace(peer.PublicKey) == "" {
		return netip.Addr{}, "empty public key"
	}
	if _, err := wgtypes.ParseKey(peer.PublicKey); err != nil {
		return netip.Addr{}, "malformed public key"
	}
	if peer.PublicKey == relayKey {
		return netip.Addr{}, "public key belongs to the relay"
	}

	raw := strings.TrimSpace(peer.TunnelAddress)
	if raw == "" {
		return netip.Addr{}, "empty tunnel address"
	}
	if host, bits, ok := strings.Cut(raw, "/"); ok {
		if bits != "32" {
			return netip.Addr{}, "tunnel address is not a single host"
		}
		raw = host
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, "malformed tunnel address"
	}
	if network.IsValid() {
		if !network.Contains(addr) {
			return netip.Addr{}, "tunnel address outside the tunnel network"
		}
		if addr == network.Addr() || addr == network.Masked().Addr() {
			return netip.Addr{}, "tunnel address reserved for the relay"
		}
	}
	return addr, ""
}

// oneLine keeps a comment value from breaking out of its line.
func oneLine(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, s)
	if s == "" {
		return "-"
	}
	return s
}

// SortPeers orders peers by creation time, then id, in place.
func SortPeers(peers []models.PeerRecord) {
	sort.SliceStable(peers, func(i, j int) bool {
		if !peers[i].CreatedAt.Equal(peers[j].CreatedAt) {
			return peers[i].CreatedAt.Before(peers[j].CreatedAt)
		}
		return peers[i].ID < peers[j].ID
	})
}
