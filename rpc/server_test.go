package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hubsync/hubsync"
	"hubsync/storage"
)

func hashFor(b byte) [20]byte {
	var h [20]byte
	for i := range h {
		h[i] = b
	}
	return h
}

func newTestServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()
	store := storage.NewStore(storage.NewMemDB())
	engine := hubsync.NewEngine(store)
	require.NoError(t, engine.Init(context.Background()))
	t.Cleanup(engine.Close)
	return NewServer(engine, store, "test-version"), store
}

func TestGetInfoReportsVersionAndRootHash(t *testing.T) {
	srv, store := newTestServer(t)

	resp, err := srv.GetInfo(context.Background(), &Empty{})
	require.NoError(t, err)
	require.Equal(t, "test-version", resp.Version)
	require.Empty(t, resp.RootHash)

	require.NoError(t, store.MergeIdRegistryEvent(&storage.IdRegistryEvent{Fid: 1}))
	_, err = store.MergeMessage(&storage.Message{Fid: 1, Timestamp: 1665182332, Hash: hashFor(1)})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		resp, err := srv.GetInfo(context.Background(), &Empty{})
		return err == nil && resp.RootHash != ""
	}, time.Second, time.Millisecond)
}

func TestGetAllSyncIdsByPrefixFiltersByPrefix(t *testing.T) {
	srv, store := newTestServer(t)
	require.NoError(t, store.MergeIdRegistryEvent(&storage.IdRegistryEvent{Fid: 1}))
	m := &storage.Message{Fid: 1, Timestamp: 1665182332, Hash: hashFor(2)}
	_, err := store.MergeMessage(m)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		resp, err := srv.GetAllSyncIdsByPrefix(context.Background(), &PrefixRequest{})
		return err == nil && len(resp.SyncIds) == 1
	}, time.Second, time.Millisecond)

	id := m.SyncID()
	resp, err := srv.GetAllSyncIdsByPrefix(context.Background(), &PrefixRequest{Prefix: id[:2]})
	require.NoError(t, err)
	require.Len(t, resp.SyncIds, 1)

	miss, err := srv.GetAllSyncIdsByPrefix(context.Background(), &PrefixRequest{Prefix: []byte{0xff, 0xff}})
	require.NoError(t, err)
	require.Empty(t, miss.SyncIds)
}

func TestGetAllMessagesBySyncIdsResolvesStoredMessages(t *testing.T) {
	srv, store := newTestServer(t)
	require.NoError(t, store.MergeIdRegistryEvent(&storage.IdRegistryEvent{Fid: 1}))
	m := &storage.Message{Fid: 1, Timestamp: 1665182332, Hash: hashFor(3)}
	_, err := store.MergeMessage(m)
	require.NoError(t, err)

	resp, err := srv.GetAllMessagesBySyncIds(context.Background(), &SyncIdsRequest{SyncIds: [][40]byte{m.SyncID()}})
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	require.Equal(t, m.Hash, resp.Messages[0].Hash)
}

func TestGetSyncMetadataByPrefixOnEmptyTrieReturnsEmptyResponse(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := srv.GetSyncMetadataByPrefix(context.Background(), &PrefixRequest{})
	require.NoError(t, err)
	require.Empty(t, resp.Hash)
	require.Empty(t, resp.Children)
}

func TestGetIdRegistryEventByFidNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	_, err := srv.GetIdRegistryEventByFid(context.Background(), &IdRegistryEventRequest{Fid: 7})
	require.Error(t, err)
}

func TestGetAllSignerMessagesByFidReturnsOnlyThatFid(t *testing.T) {
	srv, store := newTestServer(t)
	require.NoError(t, store.MergeIdRegistryEvent(&storage.IdRegistryEvent{Fid: 1}))
	require.NoError(t, store.MergeIdRegistryEvent(&storage.IdRegistryEvent{Fid: 2}))
	_, err := store.MergeMessage(&storage.Message{Fid: 1, Timestamp: 100, Hash: hashFor(4)})
	require.NoError(t, err)
	_, err = store.MergeMessage(&storage.Message{Fid: 2, Timestamp: 100, Hash: hashFor(5)})
	require.NoError(t, err)

	resp, err := srv.GetAllSignerMessagesByFid(context.Background(), &IdRegistryEventRequest{Fid: 1})
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	require.EqualValues(t, 1, resp.Messages[0].Fid)
}

func TestWireMessageRoundTrip(t *testing.T) {
	m := &storage.Message{Fid: 9, Timestamp: 42, Hash: hashFor(9), TargetHash: hashFor(8), Body: []byte("hi")}
	got := fromWireMessage(toWireMessage(m))
	require.Equal(t, m, got)
}

func TestHasPrefix(t *testing.T) {
	require.True(t, hasPrefix([]byte{1, 2, 3}, []byte{1, 2}))
	require.False(t, hasPrefix([]byte{1, 2, 3}, []byte{1, 3}))
	require.False(t, hasPrefix([]byte{1}, []byte{1, 2}))
}
