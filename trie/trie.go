package trie

// MerkleTrie owns the root node and exposes the operations the sync engine
// and the RPC facade need. It is not safe for concurrent use: the engine
// that owns it runs on a single logical task, per the cooperative
// scheduling model the sync core assumes.
type MerkleTrie struct {
	root *Node
}

// New returns an empty trie.
func New() *MerkleTrie {
	return &MerkleTrie{root: newNode()}
}

// Insert adds key to the trie. It reports whether a new value was added.
func (t *MerkleTrie) Insert(key []byte) (bool, error) {
	return t.root.Insert(key, 0)
}

// Delete removes key from the trie. It reports whether a value was
// actually removed.
func (t *MerkleTrie) Delete(key []byte) (bool, error) {
	return t.root.Delete(key, 0)
}

// Exists reports whether key is present in the trie.
func (t *MerkleTrie) Exists(key []byte) (bool, error) {
	return t.root.Exists(key, 0)
}

// Items returns the total number of keys stored in the trie.
func (t *MerkleTrie) Items() uint64 {
	return t.root.items
}

// RootHash returns the root's 40-char hex digest, or "" for an empty trie.
// This is a deliberate special case: at zero items the visible root hash
// is the empty string, not EmptyHash's hex digest. EmptyHash still appears
// in a Snapshot's ExcludedHashes for every level of the walk that has no
// sibling children to exclude.
func (t *MerkleTrie) RootHash() string {
	if t.root.items == 0 {
		return ""
	}
	return t.root.hash.Hex()
}

// GetSnapshot returns the exclusion certificate for prefix. Callers must
// treat the returned Snapshot's Prefix as authoritative, not the one they
// passed in: it is truncated if the trie runs out of matching children
// partway through.
func (t *MerkleTrie) GetSnapshot(prefix []byte) Snapshot {
	return t.root.GetSnapshot(prefix, 0)
}

// GetTrieNodeMetadata returns one level of children below prefix, for RPC
// serialization. It returns nil if no node exists at that exact prefix.
func (t *MerkleTrie) GetTrieNodeMetadata(prefix []byte) *NodeMetadata {
	node := t.root.GetNode(prefix)
	if node == nil {
		return nil
	}
	children := make(map[byte]ChildMetadata, len(node.children))
	for _, b := range childBytesAscending(node.children) {
		c := node.children[b]
		childPrefix := append(append([]byte(nil), prefix...), b)
		children[b] = ChildMetadata{
			Prefix:      childPrefix,
			NumMessages: c.items,
			Hash:        c.hash.Hex(),
		}
	}
	return &NodeMetadata{
		Prefix:      append([]byte(nil), prefix...),
		NumMessages: node.items,
		Hash:        node.hash.Hex(),
		Children:    children,
	}
}

// GetDivergencePrefix generates a local snapshot for prefix and walks it
// alongside a peer's excluded-hash list, returning the prefix truncated to
// the first index at which the two disagree. If every compared index
// matches, it returns the shorter of the two prefixes (an empty peer list
// yields an empty prefix).
func (t *MerkleTrie) GetDivergencePrefix(prefix []byte, peerExcludedHashes []string) []byte {
	local := t.GetSnapshot(prefix)
	n := len(local.ExcludedHashes)
	if len(peerExcludedHashes) < n {
		n = len(peerExcludedHashes)
	}
	for i := 0; i < n; i++ {
		if local.ExcludedHashes[i].Hex() != peerExcludedHashes[i] {
			return append([]byte(nil), prefix[:i]...)
		}
	}
	return append([]byte(nil), prefix[:n]...)
}

// GetAllValues returns every key stored in the trie, in ascending order.
func (t *MerkleTrie) GetAllValues() [][]byte {
	return t.root.GetAllValues()
}

// RecalculateHash recomputes every hash in the trie bottom-up. It is used
// after a bulk load that populated nodes without going through Insert.
func (t *MerkleTrie) RecalculateHash() {
	t.root.RecalculateHash()
}
