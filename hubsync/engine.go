package hubsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	huberrors "hubsync/errors"
	"hubsync/storage"
	"hubsync/syncid"
	"hubsync/trie"
)

// HashesPerFetch bounds an RPC call's SyncId payload: at or below this
// count of messages under a prefix, fetch the SyncIds directly instead of
// recursing further into the trie. It balances RPC count against per-call
// payload size.
const HashesPerFetch = 50

// SnapshotQuantumSeconds is the sync threshold: messages newer than this
// are excluded from comparison so network propagation has a chance to
// settle before peers expect their tries to agree.
const SnapshotQuantumSeconds = 10

// Metrics receives observations from a sync round. Implementations must be
// safe for concurrent use.
type Metrics interface {
	ObserveSyncRound(success bool, duration time.Duration)
	ObserveDivergenceDepth(depth int)
	ObserveMessagesMerged(n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveSyncRound(bool, time.Duration) {}
func (nopMetrics) ObserveDivergenceDepth(int)           {}
func (nopMetrics) ObserveMessagesMerged(int)            {}

// Engine drives the recursive prefix-divergence sync protocol (spec §4.D).
// It owns the trie exclusively; no locking of the trie itself is needed
// because the engine's mutating operations run on one logical task at a
// time (spec §5).
type Engine struct {
	store  LocalStore
	trie   *trie.MerkleTrie
	logger *slog.Logger
	metric Metrics
	tracer trace.Tracer
	now    func() time.Time

	mu          sync.Mutex
	isSyncing   bool
	unsubscribe func()
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the engine's logger. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics overrides the engine's metrics sink. The default is a no-op.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metric = m
		}
	}
}

// WithTracer overrides the OpenTelemetry tracer used for sync round spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock overrides the engine's notion of "now". Tests use this to make
// snapshot quantization deterministic.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs a SyncEngine over store, with an empty trie that
// must be populated by Init.
func NewEngine(store LocalStore, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		trie:   trie.New(),
		logger: slog.New(slog.DiscardHandler),
		metric: nopMetrics{},
		tracer: otel.Tracer("hubsync"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Trie exposes the underlying trie for read-only RPC handlers (metadata,
// snapshot, SyncId listing).
func (e *Engine) Trie() *trie.MerkleTrie { return e.trie }

// IsSyncing reports the advisory sync-in-progress flag.
func (e *Engine) IsSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isSyncing
}

// Init streams every stored message into the trie and attaches the store's
// event listeners. It must run to completion before the engine is used.
func (e *Engine) Init(ctx context.Context) error {
	count := 0
	err := e.store.ForEachMessage(func(m *storage.Message) error {
		id := m.SyncID()
		if _, err := e.trie.Insert(id[:]); err != nil {
			return fmt.Errorf("insert %x: %w", id[:8], err)
		}
		count++
		if count%10000 == 0 {
			e.logger.Info("trie load progress", "messages", count)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("trie loaded", "messages", count)

	events, unsubscribe := e.store.Subscribe()
	e.mu.Lock()
	e.unsubscribe = unsubscribe
	e.mu.Unlock()
	go e.consumeEvents(ctx, events)
	return nil
}

// Close detaches the engine's store subscription.
func (e *Engine) Close() {
	e.mu.Lock()
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (e *Engine) consumeEvents(ctx context.Context, events <-chan storage.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.applyEvent(ev)
		case <-ctx.Done():
			return
		}
	}
}

// applyEvent mutates the trie for one store event. Deletions are applied
// eagerly, even though they may racily precede the store transaction's
// commit: a subsequent sync with a peer will re-insert a message that was
// inserted too early, but a missed removal would leave the trie
// permanently diverged from reality.
func (e *Engine) applyEvent(ev storage.Event) {
	switch ev.Kind {
	case storage.EventMergeMessage:
		if ev.Message != nil {
			id := ev.Message.SyncID()
			if _, err := e.trie.Insert(id[:]); err != nil {
				e.logger.Error("trie insert failed", "error", err)
			}
		}
		for _, d := range ev.Deleted {
			id := d.SyncID()
			if _, err := e.trie.Delete(id[:]); err != nil {
				e.logger.Error("trie delete failed", "error", err)
			}
		}
	case storage.EventPruneMessage, storage.EventRevokeMessage:
		if ev.Message != nil {
			id := ev.Message.SyncID()
			if _, err := e.trie.Delete(id[:]); err != nil {
				e.logger.Error("trie delete failed", "error", err)
			}
		}
	}
}

// SnapshotTimestamp quantizes now down to the nearest SnapshotQuantumSeconds,
// the boundary that excludes the freshest messages from comparison.
func SnapshotTimestamp(now time.Time) uint32 {
	sec := now.Unix()
	return uint32(sec/SnapshotQuantumSeconds) * SnapshotQuantumSeconds
}

// DefaultSnapshotPrefix returns the top 9 of the 10 timestamp digits for
// now's snapshot timestamp: the prefix used when no caller-specified
// prefix is given.
func DefaultSnapshotPrefix(now time.Time) []byte {
	ts := SnapshotTimestamp(now)
	full := fmt.Sprintf("%010d", ts)
	return []byte(full[:9])
}

// DefaultSnapshot returns the trie's exclusion certificate at the default
// (9-digit) prefix.
func (e *Engine) DefaultSnapshot() trie.Snapshot {
	return e.trie.GetSnapshot(DefaultSnapshotPrefix(e.now()))
}

// ShouldSync reports whether a sync round against a peer advertising
// peerExcludedHashes is worth starting: false if a round is already in
// progress, otherwise true iff any compared hash differs from the local
// default snapshot.
func (e *Engine) ShouldSync(peerExcludedHashes []string) bool {
	if e.IsSyncing() {
		return false
	}
	local := e.DefaultSnapshot().ExcludedHashesHex()
	if len(local) != len(peerExcludedHashes) {
		return true
	}
	for i := range local {
		if local[i] != peerExcludedHashes[i] {
			return true
		}
	}
	return false
}

// PerformSync runs one round: computes the divergence prefix against
// peerExcludedHashes, fetches the missing SyncIds below it, fetches and
// merges the corresponding messages. All failures are logged and the round
// is abandoned; isSyncing is cleared on every exit path. Overlapping
// rounds cannot start (advisory only, per spec §9: rounds are idempotent
// so a race between check and set is acceptable).
func (e *Engine) PerformSync(ctx context.Context, peerExcludedHashes []string, peer PeerClient) error {
	e.mu.Lock()
	if e.isSyncing {
		e.mu.Unlock()
		return nil
	}
	e.isSyncing = true
	e.mu.Unlock()

	start := e.now()
	ctx, span := e.tracer.Start(ctx, "hubsync.PerformSync")
	defer span.End()

	var err error
	defer func() {
		e.mu.Lock()
		e.isSyncing = false
		e.mu.Unlock()
		e.metric.ObserveSyncRound(err == nil, e.now().Sub(start))
		if err != nil {
			e.logger.Error("sync round failed", "error", err)
		}
	}()

	prefix := DefaultSnapshotPrefix(e.now())
	divergence := e.trie.GetDivergencePrefix(prefix, peerExcludedHashes)
	span.SetAttributes(attribute.Int("hubsync.divergence_depth", len(divergence)))
	e.metric.ObserveDivergenceDepth(len(divergence))

	var ids []syncid.SyncId
	ids, err = e.FetchMissingHashesByPrefix(ctx, divergence, peer)
	if err != nil {
		return err
	}

	err = e.FetchAndMergeMessages(ctx, ids, peer)
	return err
}

// FetchMissingHashesByPrefix implements spec §4.D's HASHES_PER_FETCH walk:
// below the threshold it fetches SyncIds directly, otherwise it recurses
// into every child whose hash disagrees with ours (an absent local child
// counts as disagreeing).
func (e *Engine) FetchMissingHashesByPrefix(ctx context.Context, prefix []byte, peer PeerClient) ([]syncid.SyncId, error) {
	theirNode, err := peer.GetMetadataByPrefix(ctx, prefix)
	if err != nil {
		return nil, huberrors.Newf(huberrors.KindUnavailable, "get peer metadata for %x: %v", prefix, err).WithSubkind(huberrors.SubkindNetworkFailure)
	}
	if theirNode == nil {
		return nil, nil
	}
	ourNode := e.trie.GetTrieNodeMetadata(prefix)
	return e.fetchMissingHashesByNode(ctx, theirNode, ourNode, peer)
}

func (e *Engine) fetchMissingHashesByNode(ctx context.Context, theirNode, ourNode *trie.NodeMetadata, peer PeerClient) ([]syncid.SyncId, error) {
	if theirNode.NumMessages <= HashesPerFetch {
		ids, err := peer.GetSyncIdsByPrefix(ctx, theirNode.Prefix)
		if err != nil {
			return nil, huberrors.Newf(huberrors.KindUnavailable, "get sync ids for %x: %v", theirNode.Prefix, err).WithSubkind(huberrors.SubkindNetworkFailure)
		}
		return ids, nil
	}

	childBytes := make([]int, 0, len(theirNode.Children))
	for b := range theirNode.Children {
		childBytes = append(childBytes, int(b))
	}
	sort.Ints(childBytes)

	var out []syncid.SyncId
	for _, bi := range childBytes {
		b := byte(bi)
		theirChild := theirNode.Children[b]
		ourHash := ""
		if ourNode != nil {
			if oc, ok := ourNode.Children[b]; ok {
				ourHash = oc.Hash
			}
		}
		if ourHash == theirChild.Hash {
			continue
		}
		ids, err := e.FetchMissingHashesByPrefix(ctx, theirChild.Prefix, peer)
		if err != nil {
			return nil, err
		}
		out = append(out, ids...)
	}
	return out, nil
}

// FetchAndMergeMessages fetches the given SyncIds' full messages from peer
// and merges them. It is a no-op for an empty id list.
func (e *Engine) FetchAndMergeMessages(ctx context.Context, ids []syncid.SyncId, peer PeerClient) error {
	if len(ids) == 0 {
		return nil
	}
	msgs, err := peer.GetMessagesBySyncIds(ctx, ids)
	if err != nil {
		return huberrors.Newf(huberrors.KindUnavailable, "get messages by sync ids: %v", err).WithSubkind(huberrors.SubkindNetworkFailure)
	}
	merged := 0
	for _, r := range e.MergeMessages(ctx, msgs, peer) {
		if r.Err == nil {
			merged++
		}
	}
	e.metric.ObserveMessagesMerged(merged)
	return nil
}

// MergeMessages merges messages sequentially, in ascending timestamp order
// (stable tie-break by input order), recovering from unknown-fid/invalid-
// signer failures by syncing the missing user and retrying once. Merging
// stays sequential so dependency recovery is deterministic and the same
// foreign user is never fetched twice in one round.
func (e *Engine) MergeMessages(ctx context.Context, messages []*storage.Message, peer PeerClient) []storage.MergeResult {
	sorted := append([]*storage.Message(nil), messages...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	results := make([]storage.MergeResult, len(sorted))
	for i, m := range sorted {
		deleted, err := e.store.MergeMessage(m)
		if err != nil && huberrors.IsUnknownFidOrInvalidSigner(err) {
			deleted, err = e.syncUserAndRetryMessage(ctx, m, peer)
		}
		results[i] = storage.MergeResult{Message: m, Deleted: deleted, Err: err}
	}
	return results
}

// syncUserAndRetryMessage fetches an unfamiliar fid's ID registry event and
// signer messages from peer, merges them, and retries m once if at least
// one signer merged. This is the only place the engine repairs causal
// dependencies; every other merge failure propagates to the caller.
func (e *Engine) syncUserAndRetryMessage(ctx context.Context, m *storage.Message, peer PeerClient) ([]*storage.Message, error) {
	idEvent, err := peer.GetIdRegistryEventByFid(ctx, m.Fid)
	if err != nil {
		return nil, huberrors.Newf(huberrors.KindUnavailable, "get id registry event for fid %d: %v", m.Fid, err).WithSubkind(huberrors.SubkindNetworkFailure)
	}
	if err := e.store.MergeIdRegistryEvent(idEvent); err != nil {
		return nil, err
	}

	signerMessages, err := peer.GetAllSignerMessagesByFid(ctx, m.Fid)
	if err != nil {
		return nil, huberrors.Newf(huberrors.KindUnavailable, "get signer messages for fid %d: %v", m.Fid, err).WithSubkind(huberrors.SubkindNetworkFailure)
	}

	mergedAny := false
	for _, r := range e.store.MergeMessages(signerMessages) {
		if r.Err == nil {
			mergedAny = true
		}
	}
	if !mergedAny {
		return nil, huberrors.Newf(huberrors.KindUnavailable, "no signer messages merged for fid %d", m.Fid).WithSubkind(huberrors.SubkindNetworkFailure)
	}

	return e.store.MergeMessage(m)
}
