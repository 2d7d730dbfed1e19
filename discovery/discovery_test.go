package discovery

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type mockResolver struct {
	records map[string][]string
	err     error
}

func (m *mockResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	if values, ok := m.records[name]; ok {
		return values, nil
	}
	return nil, errors.New("not found")
}

func signRecord(t *testing.T, priv ed25519.PrivateKey, hubID, address, domain string) string {
	t.Helper()
	msg := fmt.Sprintf("%s\n%s\n%s", hubID, address, domain)
	sig := ed25519.Sign(priv, []byte(msg))
	raw, err := json.Marshal(signedRecord{HubID: hubID, Address: address, Signature: base64.StdEncoding.EncodeToString(sig)})
	require.NoError(t, err)
	return recordPrefix + base64.StdEncoding.EncodeToString(raw)
}

func TestParseRegistryDefaultsVersion(t *testing.T) {
	reg, err := ParseRegistry([]byte(`{"static":[{"hubId":"h1","address":"h1.example.org:9000"}]}`))
	require.NoError(t, err)
	require.Equal(t, 1, reg.Version)
}

func TestParseRegistryRejectsEmptyPayload(t *testing.T) {
	_, err := ParseRegistry(nil)
	require.Error(t, err)
}

func TestParseRegistryRejectsBadAuthorityKey(t *testing.T) {
	_, err := ParseRegistry([]byte(`{"authorities":[{"domain":"x.example.org","publicKey":"not-base64!!"}]}`))
	require.Error(t, err)
}

func TestResolveIncludesStaticAndDNSPeers(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	record := signRecord(t, priv, "hub-2", "hub2.example.org:9000", "seeds.example.org")
	resolver := &mockResolver{records: map[string][]string{
		"_hubsync.seeds.example.org": {record},
	}}

	regJSON, err := json.Marshal(Registry{
		Authorities: []Authority{{Domain: "seeds.example.org", PublicKey: base64.StdEncoding.EncodeToString(pub)}},
		Static:      []Peer{{HubID: "hub-1", Address: "hub1.example.org:9000", Source: "static"}},
	})
	require.NoError(t, err)

	reg, err := ParseRegistry(regJSON)
	require.NoError(t, err)

	peers, err := reg.Resolve(context.Background(), resolver)
	require.NoError(t, err)
	require.Len(t, peers, 2)

	var ids []string
	for _, p := range peers {
		ids = append(ids, p.HubID)
	}
	require.ElementsMatch(t, []string{"hub-1", "hub-2"}, ids)
}

func TestResolveRejectsBadSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_ = priv

	otherPub, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_ = otherPub

	record := signRecord(t, otherPriv, "hub-2", "hub2.example.org:9000", "seeds.example.org")
	resolver := &mockResolver{records: map[string][]string{
		"_hubsync.seeds.example.org": {record},
	}}

	reg := &Registry{Authorities: []Authority{{Domain: "seeds.example.org", PublicKey: base64.StdEncoding.EncodeToString(pub)}}}

	peers, err := reg.Resolve(context.Background(), resolver)
	require.Error(t, err)
	require.Empty(t, peers)
}

func TestResolveDedupesByHubIDAndAddress(t *testing.T) {
	reg := &Registry{Static: []Peer{
		{HubID: "hub-1", Address: "a:9000"},
		{HubID: "hub-1", Address: "a:9000"},
	}}
	peers, err := reg.Resolve(context.Background(), &mockResolver{})
	require.NoError(t, err)
	require.Len(t, peers, 1)
}
