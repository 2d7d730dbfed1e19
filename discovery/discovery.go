// Package discovery resolves the set of peer hubs a sync scheduler should
// dial, the same way the wider network resolves bootstrap nodes: a small
// registry of DNS authorities, each authorised to publish signed TXT
// records naming a hub's gRPC address, plus an optional static fallback
// list for when DNS is unavailable.
package discovery

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	recordPrefix           = "hubsync:v1:"
	defaultLookupPrefix    = "_hubsync."
	defaultRefreshInterval = 15 * time.Minute
	supportedVersion       = 1
)

var errEmptyRegistry = errors.New("discovery: registry payload must not be empty")

// Registry is the configured set of DNS authorities and static fallbacks a
// hub trusts to name its sync peers.
type Registry struct {
	Version        int         `json:"version"`
	RefreshSeconds int         `json:"refreshSeconds,omitempty"`
	Authorities    []Authority `json:"authorities"`
	Static         []Peer      `json:"static"`
}

// Authority names a DNS zone and the ed25519 key that signs its records.
type Authority struct {
	Domain    string `json:"domain"`
	PublicKey string `json:"publicKey"` // base64 ed25519 public key
	Lookup    string `json:"lookup,omitempty"`
}

// Peer is a resolved sync peer: an address dialable as a gRPC target.
type Peer struct {
	HubID   string `json:"hubId"`
	Address string `json:"address"`
	Source  string `json:"source,omitempty"`
}

// Resolver abstracts DNS TXT lookups so tests can supply fixtures instead
// of a live resolver.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// ParseRegistry decodes a JSON registry payload, defaulting an absent
// version to the one currently supported.
func ParseRegistry(raw []byte) (*Registry, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, errEmptyRegistry
	}
	var reg Registry
	if err := json.Unmarshal([]byte(trimmed), &reg); err != nil {
		return nil, fmt.Errorf("discovery: invalid registry JSON: %w", err)
	}
	if reg.Version == 0 {
		reg.Version = supportedVersion
	}
	if reg.Version != supportedVersion {
		return nil, fmt.Errorf("discovery: unsupported registry version %d", reg.Version)
	}
	for i, a := range reg.Authorities {
		if _, err := a.decodePublicKey(); err != nil {
			return nil, fmt.Errorf("discovery: authority #%d: %w", i+1, err)
		}
	}
	return &reg, nil
}

// RefreshInterval returns the configured DNS poll cadence.
func (r *Registry) RefreshInterval() time.Duration {
	if r == nil || r.RefreshSeconds <= 0 {
		return defaultRefreshInterval
	}
	return time.Duration(r.RefreshSeconds) * time.Second
}

// Resolve queries every configured authority and returns the union of
// validated DNS peers and the static fallback list, deduplicated by the
// pair of HubID and Address.
func (r *Registry) Resolve(ctx context.Context, resolver Resolver) ([]Peer, error) {
	if r == nil {
		return nil, nil
	}
	if resolver == nil {
		resolver = DNSResolver{}
	}
	out := append([]Peer(nil), r.Static...)
	var errs []error
	for _, auth := range r.Authorities {
		peers, err := auth.resolve(ctx, resolver)
		out = append(out, peers...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	out = dedupe(out)
	if len(errs) > 0 {
		return out, errors.Join(errs...)
	}
	return out, nil
}

func (a Authority) decodePublicKey() (ed25519.PublicKey, error) {
	trimmed := strings.TrimSpace(a.PublicKey)
	if trimmed == "" {
		return nil, errors.New("publicKey must not be empty")
	}
	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid publicKey encoding: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("publicKey must be %d bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

func (a Authority) resolve(ctx context.Context, resolver Resolver) ([]Peer, error) {
	pub, err := a.decodePublicKey()
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(a.Lookup)
	if name == "" {
		name = defaultLookupPrefix + strings.TrimSpace(a.Domain)
	}
	records, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("dns %s lookup failed: %w", name, err)
	}
	var peers []Peer
	var errs []error
	for _, rec := range records {
		peer, err := parseRecord(rec, a.Domain, pub)
		if err != nil {
			errs = append(errs, fmt.Errorf("dns %s: %w", name, err))
			continue
		}
		peers = append(peers, peer)
	}
	if len(errs) > 0 {
		return peers, errors.Join(errs...)
	}
	return peers, nil
}

type signedRecord struct {
	HubID     string `json:"hubId"`
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

func parseRecord(record, domain string, pub ed25519.PublicKey) (Peer, error) {
	trimmed := strings.TrimSpace(record)
	if !strings.HasPrefix(trimmed, recordPrefix) {
		return Peer{}, fmt.Errorf("record missing prefix %q", recordPrefix)
	}
	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(trimmed, recordPrefix))
	if err != nil {
		return Peer{}, fmt.Errorf("base64 decode: %w", err)
	}
	var rec signedRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Peer{}, fmt.Errorf("invalid JSON payload: %w", err)
	}
	if strings.TrimSpace(rec.HubID) == "" || strings.TrimSpace(rec.Address) == "" {
		return Peer{}, errors.New("hubId and address must not be empty")
	}
	if _, _, err := net.SplitHostPort(rec.Address); err != nil {
		return Peer{}, fmt.Errorf("invalid address %q: %w", rec.Address, err)
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rec.Signature))
	if err != nil {
		return Peer{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	msg := fmt.Sprintf("%s\n%s\n%s", rec.HubID, rec.Address, strings.ToLower(strings.TrimSpace(domain)))
	if !ed25519.Verify(pub, []byte(msg), sig) {
		return Peer{}, errors.New("signature verification failed")
	}
	return Peer{HubID: rec.HubID, Address: rec.Address, Source: "dns:" + domain}, nil
}

func dedupe(in []Peer) []Peer {
	seen := make(map[string]struct{}, len(in))
	out := make([]Peer, 0, len(in))
	for _, p := range in {
		key := p.HubID + "@" + p.Address
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

// DNSResolver is a Resolver backed by miekg/dns, querying the system's
// configured resolver via a plain UDP/TCP TXT query instead of the
// standard library's cgo-dependent resolver path.
type DNSResolver struct {
	Server string // host:port; defaults to reading /etc/resolv.conf
	Client *dns.Client
}

// LookupTXT implements Resolver.
func (r DNSResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	server := r.Server
	if server == "" {
		cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || len(cfg.Servers) == 0 {
			return nil, fmt.Errorf("discovery: no dns server configured: %w", err)
		}
		server = net.JoinHostPort(cfg.Servers[0], cfg.Port)
	}

	client := r.Client
	if client == nil {
		client = &dns.Client{Timeout: 5 * time.Second}
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeTXT)

	resp, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, fmt.Errorf("discovery: dns exchange: %w", err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("discovery: dns rcode %s for %s", dns.RcodeToString[resp.Rcode], name)
	}

	var out []string
	for _, ans := range resp.Answer {
		if txt, ok := ans.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}
