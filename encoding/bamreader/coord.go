package bamreader

import "fmt"

// CoordKey packs a genomic coordinate into a uint64 whose integer order is
// the SAM "coordinate" sort order: increasing reference ID, then increasing
// alignment position, with a forward read sorting before a reverse read at
// the same position. Unmapped records (refID -1) sort after all mapped ones.
//
// The encoding is refID<<33 | pos<<1 | reverse, the same as sambamba's
// compareCoordinatesAndStrand.
type CoordKey uint64

// Key for all unmapped reads; corresponds to (refID,pos)=(-1,-1).
const unmappedKey CoordKey = 0x7ffffffffffffffe

// A key larger than every valid key, unmappedKey included.
const infinityKey CoordKey = 0xfffffffffffffffe

func makeCoordKey(refID, pos int32, reverse bool) CoordKey {
	var key CoordKey
	if refID < 0 {
		key = unmappedKey
	} else {
		key = CoordKey(refID)<<33 | CoordKey(pos)<<1
	}
	if reverse {
		key |= 1
	}
	return key
}

// Coord is a genomic position: a reference sequence ID and a 0-based offset
// within it. RefID -1 addresses the unmapped-record section at the end of a
// coordinate-sorted file.
type Coord struct {
	RefID int32
	Pos   int32
}

// MaxCoord is past every alignment, mapped or unmapped.
var MaxCoord = Coord{RefID: 0x7fffffff, Pos: 0x7fffffff}

func (c Coord) String() string { return fmt.Sprintf("%d:%d", c.RefID, c.Pos) }

func (c Coord) key() CoordKey {
	if c == MaxCoord {
		return infinityKey
	}
	return makeCoordKey(c.RefID, c.Pos, false)
}

// Region is a half-open coordinate range [Start, Limit). A record belongs to
// the region iff its alignment start coordinate falls inside the range.
type Region struct {
	Start Coord
	Limit Coord
}

// AllFrom returns the region spanning [coord, end of file), the range
// addressed by a left-bound jump.
func AllFrom(refID, pos int) Region {
	return Region{Start: Coord{RefID: int32(refID), Pos: int32(pos)}, Limit: MaxCoord}
}

func (r Region) String() string { return fmt.Sprintf("%v..%v", r.Start, r.Limit) }
