package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"hubsync/storage"
	"hubsync/syncid"
	"hubsync/trie"
)

// Client is a gRPC-backed hubsync.PeerClient (spec §4.E), invoking the
// service registered by RegisterServer over any grpc.ClientConn. Every call
// is pinned to the gob content-subtype so it never touches the default
// protobuf codec grpc-go assumes.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps an established connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func callOpt() grpc.CallOption {
	return grpc.CallContentSubtype(codecName)
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	return c.conn.Invoke(ctx, method, req, resp, callOpt())
}

// GetInfo fetches the peer's version, sync status, and root hash.
func (c *Client) GetInfo(ctx context.Context) (*InfoResponse, error) {
	resp := new(InfoResponse)
	if err := c.invoke(ctx, "/hubsync.Sync/GetInfo", &Empty{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetMetadataByPrefix implements hubsync.PeerClient.
func (c *Client) GetMetadataByPrefix(ctx context.Context, prefix []byte) (*trie.NodeMetadata, error) {
	resp := new(MetadataResponse)
	if err := c.invoke(ctx, "/hubsync.Sync/GetSyncMetadataByPrefix", &PrefixRequest{Prefix: prefix}, resp); err != nil {
		return nil, err
	}
	if resp.Hash == "" && len(resp.Children) == 0 && resp.NumMessages == 0 {
		return nil, nil
	}
	children := make(map[byte]trie.ChildMetadata, len(resp.Children))
	for b, cm := range resp.Children {
		children[b] = trie.ChildMetadata{Prefix: cm.Prefix, NumMessages: cm.NumMessages, Hash: cm.Hash}
	}
	return &trie.NodeMetadata{Prefix: resp.Prefix, NumMessages: resp.NumMessages, Hash: resp.Hash, Children: children}, nil
}

// GetSyncIdsByPrefix implements hubsync.PeerClient.
func (c *Client) GetSyncIdsByPrefix(ctx context.Context, prefix []byte) ([]syncid.SyncId, error) {
	resp := new(SyncIdsResponse)
	if err := c.invoke(ctx, "/hubsync.Sync/GetAllSyncIdsByPrefix", &PrefixRequest{Prefix: prefix}, resp); err != nil {
		return nil, err
	}
	out := make([]syncid.SyncId, len(resp.SyncIds))
	for i, raw := range resp.SyncIds {
		out[i] = syncid.SyncId(raw)
	}
	return out, nil
}

// GetMessagesBySyncIds implements hubsync.PeerClient.
func (c *Client) GetMessagesBySyncIds(ctx context.Context, ids []syncid.SyncId) ([]*storage.Message, error) {
	req := &SyncIdsRequest{SyncIds: make([][40]byte, len(ids))}
	for i, id := range ids {
		req.SyncIds[i] = [40]byte(id)
	}
	resp := new(MessagesResponse)
	if err := c.invoke(ctx, "/hubsync.Sync/GetAllMessagesBySyncIds", req, resp); err != nil {
		return nil, err
	}
	out := make([]*storage.Message, len(resp.Messages))
	for i, w := range resp.Messages {
		out[i] = fromWireMessage(w)
	}
	return out, nil
}

// GetIdRegistryEventByFid implements hubsync.PeerClient.
func (c *Client) GetIdRegistryEventByFid(ctx context.Context, fid uint64) (*storage.IdRegistryEvent, error) {
	resp := new(IdRegistryEventResponse)
	if err := c.invoke(ctx, "/hubsync.Sync/GetIdRegistryEventByFid", &IdRegistryEventRequest{Fid: fid}, resp); err != nil {
		return nil, err
	}
	return &storage.IdRegistryEvent{Fid: resp.Fid, CustodyAddress: resp.CustodyAddress}, nil
}

// GetAllSignerMessagesByFid implements hubsync.PeerClient.
func (c *Client) GetAllSignerMessagesByFid(ctx context.Context, fid uint64) ([]*storage.Message, error) {
	resp := new(MessagesResponse)
	if err := c.invoke(ctx, "/hubsync.Sync/GetAllSignerMessagesByFid", &IdRegistryEventRequest{Fid: fid}, resp); err != nil {
		return nil, err
	}
	out := make([]*storage.Message, len(resp.Messages))
	for i, w := range resp.Messages {
		out[i] = fromWireMessage(w)
	}
	return out, nil
}

// GetSyncSnapshotByPrefix fetches the peer's exclusion certificate for
// prefix, used by the outer scheduler to decide whether ShouldSync would
// trigger a round before it fetches metadata.
func (c *Client) GetSyncSnapshotByPrefix(ctx context.Context, prefix []byte) (*SnapshotResponse, error) {
	resp := new(SnapshotResponse)
	if err := c.invoke(ctx, "/hubsync.Sync/GetSyncSnapshotByPrefix", &PrefixRequest{Prefix: prefix}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Subscribe opens a server stream of store events and delivers them on the
// returned channel until ctx is cancelled or the stream ends.
func (c *Client) Subscribe(ctx context.Context, eventTypes []string) (<-chan *EventResponse, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], "/hubsync.Sync/Subscribe", callOpt())
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&SubscribeRequest{EventTypes: eventTypes}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	first := new(EventResponse)
	if err := stream.RecvMsg(first); err != nil {
		return nil, fmt.Errorf("await ready frame: %w", err)
	}
	if first.Status != "ready" {
		return nil, fmt.Errorf("unexpected first frame status %q", first.Status)
	}

	out := make(chan *EventResponse, 64)
	go func() {
		defer close(out)
		for {
			frame := new(EventResponse)
			if err := stream.RecvMsg(frame); err != nil {
				return
			}
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
