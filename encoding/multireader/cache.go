package multireader

import (
	"bytes"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/multibam/encoding/bamreader"
)

// mergeItem pairs one reader with its single pending lookahead record. The
// pending Record is owned exclusively by the MultiReader and overwritten in
// place on every refill. An item is in the merge cache iff its reader has
// produced a record that has not yet been delivered.
type mergeItem struct {
	reader *bamreader.Reader
	rec    *bamreader.Record
	// seq is the insertion sequence number, assigned by the cache on every
	// add. It breaks comparison ties, which keeps the llrb order total (equal
	// elements would otherwise replace one another on insert) and makes equal
	// keys deliver in insertion order, round-robin across readers when no
	// ordering policy applies.
	seq int
	// cmp is installed by the cache the item is added to.
	cmp compareFunc
}

// compareFunc is one merge ordering policy. It returns <0, 0, >0 like
// bytes.Compare.
type compareFunc func(a, b *mergeItem) int

// Compare implements llrb.Comparable.
func (m *mergeItem) Compare(c llrb.Comparable) int {
	o := c.(*mergeItem)
	if d := m.cmp(m, o); d != 0 {
		return d
	}
	return m.seq - o.seq
}

func compareByCoord(a, b *mergeItem) int {
	ka, kb := a.rec.CoordKey(), b.rec.CoordKey()
	if ka < kb {
		return -1
	}
	if ka > kb {
		return 1
	}
	return 0
}

func compareByName(a, b *mergeItem) int {
	return bytes.Compare(a.rec.NameBytes(), b.rec.NameBytes())
}

// compareNone defers entirely to the seq tie-break: records pass through
// round-robin across the readers.
func compareNone(a, b *mergeItem) int { return 0 }

// mergeCache holds at most one pending item per live reader, ordered by the
// policy fixed at creation time. It is the ordered holding area the
// MultiReader pops the globally-next record from.
type mergeCache struct {
	tree    llrb.Tree
	cmp     compareFunc
	nextSeq int
}

// newMergeCache selects the ordering policy from the composed header's sort
// order: coordinate and query-name orders merge, anything else passes records
// through in slot order.
func newMergeCache(so sam.SortOrder) *mergeCache {
	cmp := compareNone
	switch so {
	case sam.Coordinate:
		cmp = compareByCoord
	case sam.QueryName:
		cmp = compareByName
	}
	return &mergeCache{cmp: cmp}
}

func (c *mergeCache) add(item *mergeItem) {
	item.cmp = c.cmp
	item.seq = c.nextSeq
	c.nextSeq++
	c.tree.Insert(item)
}

// takeFirst removes and returns the minimum item, or nil when empty.
func (c *mergeCache) takeFirst() *mergeItem {
	if c.tree.Len() == 0 {
		return nil
	}
	item := c.tree.Min().(*mergeItem)
	c.tree.DeleteMin()
	return item
}

// remove drops the reader's pending item, if present.
func (c *mergeCache) remove(item *mergeItem) {
	if item.cmp == nil {
		return
	}
	c.tree.Delete(item)
}

func (c *mergeCache) empty() bool { return c.tree.Len() == 0 }

func (c *mergeCache) clear() { c.tree = llrb.Tree{} }
