package storage

import (
	"encoding/binary"
	"sync"

	huberrors "hubsync/errors"
	"hubsync/syncid"
)

// Message is the reference message shape the store adapter persists. Its
// four sync-relevant fields (Fid, Type, Timestamp, Hash) are exactly what
// syncid.Encode needs; Body and TargetHash carry the rest of the domain
// payload the sync core never inspects.
type Message struct {
	Fid        uint64
	Type       syncid.Type
	Timestamp  uint32
	Hash       [20]byte
	TargetHash [20]byte // set on a "remove" message to name the add it revokes
	Body       []byte
}

// syncIDView adapts Message's plain exported fields to the syncid.Message
// interface, whose accessor names (Fid, MsgType, Timestamp, Hash) would
// otherwise collide with the field names Message wants to expose.
type syncIDView struct{ m *Message }

var _ syncid.Message = syncIDView{}

func (v syncIDView) Fid() uint64          { return v.m.Fid }
func (v syncIDView) MsgType() syncid.Type { return v.m.Type }
func (v syncIDView) Timestamp() uint32    { return v.m.Timestamp }
func (v syncIDView) Hash() [20]byte       { return v.m.Hash }

// SyncID returns the SyncId this message encodes to.
func (m *Message) SyncID() syncid.SyncId {
	return syncid.Encode(syncIDView{m})
}

// IdRegistryEvent is the minimal shape the store needs to persist so the
// sync engine can recover from an unknown-fid dependency (spec §4.D).
type IdRegistryEvent struct {
	Fid            uint64
	CustodyAddress [20]byte
}

// EventKind names the four events the store's subscription stream emits.
type EventKind int

const (
	EventMergeMessage EventKind = iota
	EventPruneMessage
	EventRevokeMessage
	EventMergeIdRegistryEvent
)

// Event is a single item on the store's event stream (spec §4.F).
type Event struct {
	Kind            EventKind
	Message         *Message
	Deleted         []*Message
	IdRegistryEvent *IdRegistryEvent
}

// MergeResult is the outcome of merging one message, mirroring the
// Result<void> the spec describes per message in a batch merge.
type MergeResult struct {
	Message *Message
	Deleted []*Message
	Err     error
}

const idRegistryPrefix = 0x02

// Store is the reference Local store interface (spec §4.F) implementation:
// a message store keyed by the SyncId-derived primary key, backed by any
// Database, that fans merge/prune/revoke events out to subscribers.
type Store struct {
	db Database

	mu          sync.Mutex
	subscribers map[int]chan Event
	nextSub     int
}

// NewStore wraps db as a message store.
func NewStore(db Database) *Store {
	return &Store{db: db, subscribers: make(map[int]chan Event)}
}

// Subscribe registers a listener for merge/prune/revoke/id-registry events.
// The returned function must be called to detach the listener and avoid
// leaking the channel, matching the spec's requirement that subscriptions
// be torn down when a peer's stream closes.
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(ch)
		}
	}
	return ch, unsubscribe
}

func (s *Store) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			// A slow subscriber must not stall message merges: the event
			// is dropped for it, and nothing notifies it of the gap.
		}
	}
}

// ForEachMessage iterates every stored message in primary-key order,
// stopping early if fn returns an error.
func (s *Store) ForEachMessage(fn func(*Message) error) error {
	it := s.db.NewIterator([]byte{syncid.FamilyPrefix})
	defer it.Release()
	for it.Next() {
		m, err := decodeMessage(it.Value())
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return it.Error()
}

// MergeMessage persists m under its primary key. The fid must already have
// a merged IdRegistryEvent, or the merge is rejected with the "unknown fid"
// HubError the sync engine knows how to recover from by fetching the
// signer's registry event and messages before retrying once. If m is a
// "remove" type message with a non-zero TargetHash, and the message it
// targets is currently stored, that message is deleted and returned in
// Deleted — the store's only concession to domain conflict resolution.
func (s *Store) MergeMessage(m *Message) ([]*Message, error) {
	if m == nil {
		return nil, huberrors.New(huberrors.KindBadRequest, "nil message").WithSubkind(huberrors.SubkindValidationFailure)
	}
	if !s.HasFid(m.Fid) {
		return nil, huberrors.New(huberrors.KindBadRequest, "unknown fid")
	}

	pk, err := syncid.PrimaryKey(m.SyncID())
	if err != nil {
		return nil, huberrors.Newf(huberrors.KindBadRequest, "derive primary key: %v", err).WithSubkind(huberrors.SubkindValidationFailure)
	}

	if _, err := s.db.Get(pk); err == nil {
		return nil, huberrors.New(huberrors.KindBadRequest, "message already merged").WithSubkind(huberrors.SubkindDuplicate)
	}

	var deleted []*Message
	if syncid.IsRemoveType(m.Type) && m.TargetHash != ([20]byte{}) {
		if target, ok := s.findByHash(m.Fid, m.TargetHash); ok {
			targetPK, _ := syncid.PrimaryKey(target.SyncID())
			if err := s.db.Delete(targetPK); err != nil {
				return nil, huberrors.Newf(huberrors.KindUnavailable, "delete superseded message: %v", err).WithSubkind(huberrors.SubkindStorageFailure)
			}
			deleted = append(deleted, target)
		}
	}

	if err := s.db.Put(pk, encodeMessage(m)); err != nil {
		return nil, huberrors.Newf(huberrors.KindUnavailable, "put message: %v", err).WithSubkind(huberrors.SubkindStorageFailure)
	}

	s.publish(Event{Kind: EventMergeMessage, Message: m, Deleted: deleted})
	return deleted, nil
}

// MergeMessages merges each message in order, sequentially, and reports one
// MergeResult per input.
func (s *Store) MergeMessages(msgs []*Message) []MergeResult {
	results := make([]MergeResult, len(msgs))
	for i, m := range msgs {
		deleted, err := s.MergeMessage(m)
		results[i] = MergeResult{Message: m, Deleted: deleted, Err: err}
	}
	return results
}

// MergeIdRegistryEvent persists an ID registry event and publishes it so the
// engine's dependency-recovery path can proceed.
func (s *Store) MergeIdRegistryEvent(e *IdRegistryEvent) error {
	if e == nil {
		return huberrors.New(huberrors.KindBadRequest, "nil id registry event").WithSubkind(huberrors.SubkindValidationFailure)
	}
	key := make([]byte, 1+8)
	key[0] = idRegistryPrefix
	binary.BigEndian.PutUint64(key[1:], e.Fid)
	if err := s.db.Put(key, e.CustodyAddress[:]); err != nil {
		return huberrors.Newf(huberrors.KindUnavailable, "put id registry event: %v", err).WithSubkind(huberrors.SubkindStorageFailure)
	}
	s.publish(Event{Kind: EventMergeIdRegistryEvent, IdRegistryEvent: e})
	return nil
}

// HasFid reports whether an ID registry event has been merged for fid,
// i.e. whether the fid is known locally.
func (s *Store) HasFid(fid uint64) bool {
	key := make([]byte, 1+8)
	key[0] = idRegistryPrefix
	binary.BigEndian.PutUint64(key[1:], fid)
	_, err := s.db.Get(key)
	return err == nil
}

// GetIdRegistryEvent returns the merged ID registry event for fid, if any.
func (s *Store) GetIdRegistryEvent(fid uint64) (*IdRegistryEvent, bool) {
	key := make([]byte, 1+8)
	key[0] = idRegistryPrefix
	binary.BigEndian.PutUint64(key[1:], fid)
	val, err := s.db.Get(key)
	if err != nil || len(val) < 20 {
		return nil, false
	}
	e := &IdRegistryEvent{Fid: fid}
	copy(e.CustodyAddress[:], val)
	return e, true
}

// FindBySyncID scans for the message that encodes to id. It is O(n) in the
// number of stored messages: callers on the RPC path use it to answer
// GetAllMessagesBySyncIds for a batch a peer selected via the trie, not to
// serve arbitrary lookups at scale.
func (s *Store) FindBySyncID(id syncid.SyncId) (*Message, bool) {
	var found *Message
	_ = s.ForEachMessage(func(m *Message) error {
		if found != nil {
			return nil
		}
		if m.SyncID() == id {
			found = m
		}
		return nil
	})
	return found, found != nil
}

// AllSignerMessages returns every stored message for fid, in primary-key
// order: adds before removes, each group in ascending timestamp order.
func (s *Store) AllSignerMessages(fid uint64) []*Message {
	var out []*Message
	_ = s.ForEachMessage(func(m *Message) error {
		if m.Fid == fid {
			out = append(out, m)
		}
		return nil
	})
	return out
}

// PruneMessage deletes m and publishes a prune event.
func (s *Store) PruneMessage(m *Message) error {
	pk, err := syncid.PrimaryKey(m.SyncID())
	if err != nil {
		return huberrors.Newf(huberrors.KindBadRequest, "derive primary key: %v", err).WithSubkind(huberrors.SubkindValidationFailure)
	}
	if err := s.db.Delete(pk); err != nil {
		return huberrors.Newf(huberrors.KindUnavailable, "delete message: %v", err).WithSubkind(huberrors.SubkindStorageFailure)
	}
	s.publish(Event{Kind: EventPruneMessage, Message: m})
	return nil
}

// RevokeMessage deletes m and publishes a revoke event, used when a signer
// is revoked and every message it produced must leave the store.
func (s *Store) RevokeMessage(m *Message) error {
	pk, err := syncid.PrimaryKey(m.SyncID())
	if err != nil {
		return huberrors.Newf(huberrors.KindBadRequest, "derive primary key: %v", err).WithSubkind(huberrors.SubkindValidationFailure)
	}
	if err := s.db.Delete(pk); err != nil {
		return huberrors.Newf(huberrors.KindUnavailable, "delete message: %v", err).WithSubkind(huberrors.SubkindStorageFailure)
	}
	s.publish(Event{Kind: EventRevokeMessage, Message: m})
	return nil
}

func (s *Store) findByHash(fid uint64, hash [20]byte) (*Message, bool) {
	var found *Message
	_ = s.ForEachMessage(func(m *Message) error {
		if found != nil {
			return nil
		}
		if m.Fid == fid && m.Hash == hash {
			found = m
		}
		return nil
	})
	return found, found != nil
}

// encodeMessage/decodeMessage use a tiny fixed-header format: this is a
// reference store, not a wire format the spec constrains, so any total
// encoding for Message is fine as long as decode inverts encode.
func encodeMessage(m *Message) []byte {
	buf := make([]byte, 8+1+4+20+20+4+len(m.Body))
	off := 0
	binary.BigEndian.PutUint64(buf[off:], m.Fid)
	off += 8
	buf[off] = byte(m.Type)
	off++
	binary.BigEndian.PutUint32(buf[off:], m.Timestamp)
	off += 4
	copy(buf[off:off+20], m.Hash[:])
	off += 20
	copy(buf[off:off+20], m.TargetHash[:])
	off += 20
	binary.BigEndian.PutUint32(buf[off:], uint32(len(m.Body)))
	off += 4
	copy(buf[off:], m.Body)
	return buf
}

func decodeMessage(buf []byte) (*Message, error) {
	if len(buf) < 8+1+4+20+20+4 {
		return nil, huberrors.New(huberrors.KindUnknown, "corrupt message record")
	}
	m := &Message{}
	off := 0
	m.Fid = binary.BigEndian.Uint64(buf[off:])
	off += 8
	m.Type = syncid.Type(buf[off])
	off++
	m.Timestamp = binary.BigEndian.Uint32(buf[off:])
	off += 4
	copy(m.Hash[:], buf[off:off+20])
	off += 20
	copy(m.TargetHash[:], buf[off:off+20])
	off += 20
	bodyLen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if uint32(len(buf)-off) < bodyLen {
		return nil, huberrors.New(huberrors.KindUnknown, "corrupt message body length")
	}
	m.Body = append([]byte(nil), buf[off:off+int(bodyLen)]...)
	return m, nil
}
