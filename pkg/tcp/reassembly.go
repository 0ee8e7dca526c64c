package tcp

import "github.com/google/btree"

// defaultOOOLimit caps the out-of-order buffer. Segments beyond the cap are
// dropped rather than evicting older entries; the peer retransmits.
const defaultOOOLimit = 64

// oooEntry is one future segment keyed by its starting sequence number.
type oooEntry struct {
	seq  uint32
	data []byte
	fin  bool
}

// reassemblyBuffer holds segments that arrived ahead of rcv_nxt, ordered by
// starting sequence number.
type reassemblyBuffer struct {
	tree  *btree.BTreeG[oooEntry]
	limit int
}

func newReassemblyBuffer(limit int) *reassemblyBuffer {
	if limit <= 0 {
		limit = defaultOOOLimit
	}
	return &reassemblyBuffer{
		tree:  btree.NewG(8, func(a, b oooEntry) bool { return a.seq < b.seq }),
		limit: limit,
	}
}

func (r *reassemblyBuffer) len() int { return r.tree.Len() }

// insert buffers a future segment. Returns false when the entry was dropped
// because the buffer is full.
func (r *reassemblyBuffer) insert(seq uint32, data []byte, fin bool) bool {
	key := oooEntry{seq: seq}
	if _, ok := r.tree.Get(key); !ok && r.tree.Len() >= r.limit {
		return false
	}
	r.tree.ReplaceOrInsert(oooEntry{seq: seq, data: append([]byte(nil), data...), fin: fin})
	return true
}

// take removes and returns the entry starting exactly at seq.
func (r *reassemblyBuffer) take(seq uint32) (oooEntry, bool) {
	return r.tree.Delete(oooEntry{seq: seq})
}

// purge drops entries starting behind seq. An overlapping peer can leave
// entries stranded below rcv_nxt; they would otherwise hold cap slots until
// the connection closes.
func (r *reassemblyBuffer) purge(seq uint32) {
	for {
		e, ok := r.tree.Min()
		if !ok || !seqLT(e.seq, seq) {
			return
		}
		r.tree.DeleteMin()
	}
}

func (r *reassemblyBuffer) clear() {
	r.tree.Clear(false)
}
