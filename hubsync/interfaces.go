// Package hubsync implements the SyncEngine (spec §4.D): the component
// that drives remote comparison, walks trie divergence, fetches missing
// SyncIds and messages, merges them, and recovers from foreign-user
// dependencies on the fly.
package hubsync

import (
	"context"

	"hubsync/storage"
	"hubsync/syncid"
	"hubsync/trie"
)

// LocalStore is the abstract local capability the engine needs (spec
// §4.F). storage.Store is the reference implementation.
type LocalStore interface {
	ForEachMessage(fn func(*storage.Message) error) error
	MergeMessage(m *storage.Message) ([]*storage.Message, error)
	MergeMessages(msgs []*storage.Message) []storage.MergeResult
	MergeIdRegistryEvent(e *storage.IdRegistryEvent) error
	Subscribe() (<-chan storage.Event, func())
}

// PeerClient is the abstract remote capability the engine needs (spec
// §4.E). rpc.Client is the gRPC-backed production implementation.
type PeerClient interface {
	GetMetadataByPrefix(ctx context.Context, prefix []byte) (*trie.NodeMetadata, error)
	GetSyncIdsByPrefix(ctx context.Context, prefix []byte) ([]syncid.SyncId, error)
	GetMessagesBySyncIds(ctx context.Context, ids []syncid.SyncId) ([]*storage.Message, error)
	GetIdRegistryEventByFid(ctx context.Context, fid uint64) (*storage.IdRegistryEvent, error)
	GetAllSignerMessagesByFid(ctx context.Context, fid uint64) ([]*storage.Message, error)
}
