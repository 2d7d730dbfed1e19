// Package rpc implements the gRPC-based wire surface named in spec §6: the
// façade a peer uses to fetch trie metadata, snapshots, SyncIds and
// messages, and to subscribe to the store's event stream. The spec treats
// this façade as an external collaborator of the sync core; this package
// is the reference implementation that exercises the core's PeerClient and
// LocalStore contracts end to end.
//
// There is no protoc available in this environment, so the wire messages
// below are plain Go structs carried by a small gob-based grpc codec
// (codec.go) instead of generated protobuf types. The message shapes and
// field names mirror what §6 specifies.
package rpc

import (
	"hubsync/storage"
	"hubsync/syncid"
)

// Empty is the request for GetInfo.
type Empty struct{}

// InfoResponse answers GetInfo.
type InfoResponse struct {
	Version   string
	IsSynced  bool
	Nickname  string
	RootHash  string
}

// PrefixRequest carries a trie path prefix.
type PrefixRequest struct {
	Prefix []byte
}

// SyncIdsRequest carries a batch of SyncIds by their raw 40-byte encoding.
type SyncIdsRequest struct {
	SyncIds [][40]byte
}

// SyncIdsResponse answers GetAllSyncIdsByPrefix.
type SyncIdsResponse struct {
	SyncIds [][40]byte
}

// WireMessage is storage.Message's wire shape.
type WireMessage struct {
	Fid        uint64
	Type       uint8
	Timestamp  uint32
	Hash       [20]byte
	TargetHash [20]byte
	Body       []byte
}

// MessagesResponse answers GetAllMessagesBySyncIds.
type MessagesResponse struct {
	Messages []WireMessage
}

// ChildMetadataWire is one child entry in MetadataResponse.
type ChildMetadataWire struct {
	Prefix      []byte
	NumMessages uint64
	Hash        string // lowercase hex, per spec §9's wire-boundary note
}

// MetadataResponse answers GetSyncMetadataByPrefix.
type MetadataResponse struct {
	Prefix      []byte
	NumMessages uint64
	Hash        string
	Children    map[byte]ChildMetadataWire
}

// SnapshotResponse answers GetSyncSnapshotByPrefix.
type SnapshotResponse struct {
	Prefix         []byte
	NumMessages    uint64
	RootHash       string
	ExcludedHashes []string
}

// IdRegistryEventRequest carries a fid.
type IdRegistryEventRequest struct {
	Fid uint64
}

// IdRegistryEventResponse answers GetIdRegistryEventByFid.
type IdRegistryEventResponse struct {
	Fid            uint64
	CustodyAddress [20]byte
}

// SubscribeRequest names the event types a peer wants; an empty list means
// all of them.
type SubscribeRequest struct {
	EventTypes []string
}

// EventResponse is one frame on the Subscribe stream. Status is set to
// "ready" on the first frame emitted once listeners are attached; it is
// empty on every subsequent data frame.
type EventResponse struct {
	Status  string
	Kind    string
	Message *WireMessage
}

func toWireMessage(m *storage.Message) WireMessage {
	return WireMessage{
		Fid:        m.Fid,
		Type:       uint8(m.Type),
		Timestamp:  m.Timestamp,
		Hash:       m.Hash,
		TargetHash: m.TargetHash,
		Body:       m.Body,
	}
}

func fromWireMessage(w WireMessage) *storage.Message {
	return &storage.Message{
		Fid:        w.Fid,
		Type:       syncid.Type(w.Type),
		Timestamp:  w.Timestamp,
		Hash:       w.Hash,
		TargetHash: w.TargetHash,
		Body:       w.Body,
	}
}
