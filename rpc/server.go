package rpc

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	huberrors "hubsync/errors"
	"hubsync/hubsync"
	"hubsync/storage"
	"hubsync/syncid"
)

// Server answers the wire surface (spec §6) over a local engine and store.
// It is the production LocalStore-facing peer of another hub's rpc.Client.
type Server struct {
	engine  *hubsync.Engine
	store   *storage.Store
	logger  *slog.Logger
	limiter *rate.Limiter
	version string
}

// ServerOption configures a Server at construction time.
type ServerOption func(*Server)

// WithServerLogger overrides the server's logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRateLimit caps inbound RPCs to r requests/sec with a burst of b,
// matching the token-bucket shape the gateway's middleware uses elsewhere
// in this stack.
func WithRateLimit(r rate.Limit, b int) ServerOption {
	return func(s *Server) {
		s.limiter = rate.NewLimiter(r, b)
	}
}

// NewServer builds a Server over engine and store, with version reported
// from GetInfo.
func NewServer(engine *hubsync.Engine, store *storage.Store, version string, opts ...ServerOption) *Server {
	s := &Server{
		engine:  engine,
		store:   store,
		logger:  slog.New(slog.DiscardHandler),
		limiter: rate.NewLimiter(rate.Inf, 0),
		version: version,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) allow(ctx context.Context) error {
	if s.limiter.Limit() == rate.Inf {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return status.Error(codes.ResourceExhausted, "rate limited")
	}
	return nil
}

// GetInfo reports the server's version, sync status, and root hash.
func (s *Server) GetInfo(ctx context.Context, _ *Empty) (*InfoResponse, error) {
	if err := s.allow(ctx); err != nil {
		return nil, err
	}
	root := s.engine.Trie().RootHash()
	return &InfoResponse{
		Version:  s.version,
		IsSynced: !s.engine.IsSyncing(),
		RootHash: root,
	}, nil
}

// GetAllSyncIdsByPrefix returns every SyncId stored under prefix.
func (s *Server) GetAllSyncIdsByPrefix(ctx context.Context, req *PrefixRequest) (*SyncIdsResponse, error) {
	if err := s.allow(ctx); err != nil {
		return nil, err
	}
	values := s.engine.Trie().GetAllValues()
	resp := &SyncIdsResponse{}
	for _, raw := range values {
		if !hasPrefix(raw, req.Prefix) {
			continue
		}
		var id syncid.SyncId
		copy(id[:], raw)
		resp.SyncIds = append(resp.SyncIds, [40]byte(id))
	}
	return resp, nil
}

// GetAllMessagesBySyncIds resolves each requested SyncId to its stored
// message, silently skipping any the server no longer has.
func (s *Server) GetAllMessagesBySyncIds(ctx context.Context, req *SyncIdsRequest) (*MessagesResponse, error) {
	if err := s.allow(ctx); err != nil {
		return nil, err
	}
	resp := &MessagesResponse{}
	for _, raw := range req.SyncIds {
		m, ok := s.store.FindBySyncID(syncid.SyncId(raw))
		if !ok {
			continue
		}
		resp.Messages = append(resp.Messages, toWireMessage(m))
	}
	return resp, nil
}

// GetSyncMetadataByPrefix answers the one-level child metadata a divergence
// walk needs to decide whether to recurse.
func (s *Server) GetSyncMetadataByPrefix(ctx context.Context, req *PrefixRequest) (*MetadataResponse, error) {
	if err := s.allow(ctx); err != nil {
		return nil, err
	}
	node := s.engine.Trie().GetTrieNodeMetadata(req.Prefix)
	if node == nil || node.NumMessages == 0 {
		return &MetadataResponse{Prefix: req.Prefix}, nil
	}
	resp := &MetadataResponse{
		Prefix:      node.Prefix,
		NumMessages: node.NumMessages,
		Hash:        node.Hash,
		Children:    make(map[byte]ChildMetadataWire, len(node.Children)),
	}
	for b, c := range node.Children {
		resp.Children[b] = ChildMetadataWire{Prefix: c.Prefix, NumMessages: c.NumMessages, Hash: c.Hash}
	}
	return resp, nil
}

// GetSyncSnapshotByPrefix answers the exclusion certificate a peer uses to
// decide whether a sync round is worth starting.
func (s *Server) GetSyncSnapshotByPrefix(ctx context.Context, req *PrefixRequest) (*SnapshotResponse, error) {
	if err := s.allow(ctx); err != nil {
		return nil, err
	}
	snap := s.engine.Trie().GetSnapshot(req.Prefix)
	return &SnapshotResponse{
		Prefix:         snap.Prefix,
		NumMessages:    snap.NumMessages,
		RootHash:       s.engine.Trie().RootHash(),
		ExcludedHashes: snap.ExcludedHashesHex(),
	}, nil
}

// GetIdRegistryEventByFid answers a foreign-user dependency lookup during
// engine recovery.
func (s *Server) GetIdRegistryEventByFid(ctx context.Context, req *IdRegistryEventRequest) (*IdRegistryEventResponse, error) {
	if err := s.allow(ctx); err != nil {
		return nil, err
	}
	e, ok := s.store.GetIdRegistryEvent(req.Fid)
	if !ok {
		return nil, huberrors.New(huberrors.KindNotFound, "unknown fid").WithSubkind(huberrors.SubkindNotFound).GRPCError()
	}
	return &IdRegistryEventResponse{Fid: e.Fid, CustodyAddress: e.CustodyAddress}, nil
}

// GetAllSignerMessagesByFid answers the second half of a foreign-user
// dependency recovery: every message the fid has authored locally.
func (s *Server) GetAllSignerMessagesByFid(ctx context.Context, req *IdRegistryEventRequest) (*MessagesResponse, error) {
	if err := s.allow(ctx); err != nil {
		return nil, err
	}
	resp := &MessagesResponse{}
	for _, m := range s.store.AllSignerMessages(req.Fid) {
		resp.Messages = append(resp.Messages, toWireMessage(m))
	}
	return resp, nil
}

// Subscribe streams every store event as an EventResponse frame, sending a
// "ready" status frame first so the caller knows the listener is attached
// before it stops relying on a prior snapshot.
func (s *Server) Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	events, unsubscribe := s.store.Subscribe()
	defer unsubscribe()

	if err := stream.SendMsg(&EventResponse{Status: "ready"}); err != nil {
		return err
	}

	wanted := make(map[string]bool, len(req.EventTypes))
	for _, t := range req.EventTypes {
		wanted[t] = true
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			kind := eventKindName(ev.Kind)
			if len(wanted) > 0 && !wanted[kind] {
				continue
			}
			frame := &EventResponse{Kind: kind}
			if ev.Message != nil {
				w := toWireMessage(ev.Message)
				frame.Message = &w
			}
			if err := stream.SendMsg(frame); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func eventKindName(k storage.EventKind) string {
	switch k {
	case storage.EventMergeMessage:
		return "merge"
	case storage.EventPruneMessage:
		return "prune"
	case storage.EventRevokeMessage:
		return "revoke"
	case storage.EventMergeIdRegistryEvent:
		return "id_registry"
	default:
		return "unknown"
	}
}

func hasPrefix(raw, prefix []byte) bool {
	if len(raw) < len(prefix) {
		return false
	}
	for i, b := range prefix {
		if raw[i] != b {
			return false
		}
	}
	return true
}

// serviceDesc is the hand-written equivalent of a protoc-generated
// grpc.ServiceDesc: there is no protoc invocation available in this
// environment, so the seven unary methods and one server stream are wired
// up directly against the gob codec in codec.go.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "hubsync.Sync",
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetInfo", Handler: getInfoHandler},
		{MethodName: "GetAllSyncIdsByPrefix", Handler: getAllSyncIdsByPrefixHandler},
		{MethodName: "GetAllMessagesBySyncIds", Handler: getAllMessagesBySyncIdsHandler},
		{MethodName: "GetSyncMetadataByPrefix", Handler: getSyncMetadataByPrefixHandler},
		{MethodName: "GetSyncSnapshotByPrefix", Handler: getSyncSnapshotByPrefixHandler},
		{MethodName: "GetIdRegistryEventByFid", Handler: getIdRegistryEventByFidHandler},
		{MethodName: "GetAllSignerMessagesByFid", Handler: getAllSignerMessagesByFidHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "hubsync/rpc/sync.proto",
}

// RegisterServer attaches srv to grpc server g under the sync service name.
func RegisterServer(g *grpc.Server, srv *Server) {
	g.RegisterService(&serviceDesc, srv)
}

func getInfoHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.GetInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hubsync.Sync/GetInfo"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.GetInfo(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getAllSyncIdsByPrefixHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PrefixRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.GetAllSyncIdsByPrefix(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hubsync.Sync/GetAllSyncIdsByPrefix"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.GetAllSyncIdsByPrefix(ctx, req.(*PrefixRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getAllMessagesBySyncIdsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SyncIdsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.GetAllMessagesBySyncIds(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hubsync.Sync/GetAllMessagesBySyncIds"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.GetAllMessagesBySyncIds(ctx, req.(*SyncIdsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getSyncMetadataByPrefixHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PrefixRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.GetSyncMetadataByPrefix(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hubsync.Sync/GetSyncMetadataByPrefix"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.GetSyncMetadataByPrefix(ctx, req.(*PrefixRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getSyncSnapshotByPrefixHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PrefixRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.GetSyncSnapshotByPrefix(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hubsync.Sync/GetSyncSnapshotByPrefix"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.GetSyncSnapshotByPrefix(ctx, req.(*PrefixRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getIdRegistryEventByFidHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(IdRegistryEventRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.GetIdRegistryEventByFid(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hubsync.Sync/GetIdRegistryEventByFid"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.GetIdRegistryEventByFid(ctx, req.(*IdRegistryEventRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getAllSignerMessagesByFidHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(IdRegistryEventRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.GetAllSignerMessagesByFid(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hubsync.Sync/GetAllSignerMessagesByFid"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.GetAllSignerMessagesByFid(ctx, req.(*IdRegistryEventRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	s := srv.(*Server)
	req := new(SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return s.Subscribe(req, stream)
}
