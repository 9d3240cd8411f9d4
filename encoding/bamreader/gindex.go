package bamreader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/hts/sam"
	"github.com/klauspost/compress/gzip"
)

// The .gbai index maps (refID, position, sequence-at-position) to the virtual
// offset of a record in a coordinate-sorted BAM file. The on-disk format is a
// 16-byte magic header followed by fixed-width little-endian entries, the
// whole stream gzip-compressed. The entry list is sorted by (RefID, Pos, Seq)
// with unmapped entries (RefID -1) last, and always contains an entry for the
// first record of every RefID present in the file.

var gbaiMagic = []byte{
	'G', 'B', 'A', 'I', 0x01, 0xf1, 0x78, 0x5c,
	0x7b, 0xcb, 0xc1, 0xba, 0x08, 0x23, 0xb1, 0x19,
}

type gbaiEntry struct {
	RefID   int32
	Pos     int32
	Seq     uint32
	VOffset uint64
}

type gbaiIndex []gbaiEntry

// compareEntryPos orders entries by (RefID, Pos, Seq), unmapped last.
func compareEntryPos(x, y *gbaiEntry) int {
	if x.RefID != y.RefID {
		if x.RefID < 0 && y.RefID >= 0 {
			return 1
		}
		if x.RefID >= 0 && y.RefID < 0 {
			return -1
		}
		return int(x.RefID) - int(y.RefID)
	}
	if x.Pos != y.Pos {
		if x.Pos < y.Pos {
			return -1
		}
		return 1
	}
	if x.Seq != y.Seq {
		if x.Seq < y.Seq {
			return -1
		}
		return 1
	}
	return 0
}

func toVOffset(off bgzf.Offset) uint64 {
	return uint64(off.File)<<16 | uint64(off.Block)
}

func toBGZFOffset(voffset uint64) bgzf.Offset {
	return bgzf.Offset{File: int64(voffset >> 16), Block: uint16(voffset & 0xffff)}
}

// seekOffset implements recordIndex. Reading forward from the returned offset
// eventually reaches the records at the target coordinate; the caller's
// region filter discards anything before it.
func (idx gbaiIndex) seekOffset(_ []*sam.Reference, first bgzf.Offset, start Coord) (bgzf.Offset, error) {
	if len(idx) == 0 {
		return first, nil
	}
	target := gbaiEntry{RefID: start.RefID, Pos: start.Pos}
	x := sort.Search(len(idx), func(i int) bool {
		return compareEntryPos(&idx[i], &target) >= 0
	})
	if x == len(idx) {
		return toBGZFOffset(idx[x-1].VOffset), nil
	}
	// Back up one entry when the search landed past the target, so reading
	// forward cannot miss records at the target itself.
	if compareEntryPos(&idx[x], &target) > 0 && x > 0 {
		x--
	}
	return toBGZFOffset(idx[x].VOffset), nil
}

func readGIndex(r io.Reader) (gbaiIndex, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close() // nolint: errcheck
	magic := make([]byte, len(gbaiMagic))
	if _, err := io.ReadFull(gz, magic); err != nil {
		return nil, fmt.Errorf("short gbai header: %v", err)
	}
	if !bytes.Equal(magic, gbaiMagic) {
		return nil, fmt.Errorf("not a gbai file (bad magic)")
	}
	var idx gbaiIndex
	for {
		var entry gbaiEntry
		if err := binary.Read(gz, binary.LittleEndian, &entry); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if n := len(idx); n > 0 && compareEntryPos(&idx[n-1], &entry) > 0 {
			return nil, fmt.Errorf("gbai entries out of order at %d", n)
		}
		idx = append(idx, entry)
	}
	return idx, nil
}

// defaultGIndexInterval is the approximate spacing, in compressed file bytes,
// between indexed virtual offsets.
const defaultGIndexInterval = 64 << 10

// writeGIndex reads a coordinate-sorted BAM stream from r and writes its
// .gbai index to w. An entry is emitted for the first record of each RefID
// and thereafter roughly every byteInterval compressed bytes.
func writeGIndex(w io.Writer, r io.Reader, byteInterval int) error {
	bg, err := bgzf.NewReader(r, 1)
	if err != nil {
		return err
	}
	defer bg.Close() // nolint: errcheck
	header, err := sam.NewHeader(nil, nil)
	if err != nil {
		return err
	}
	if err := header.DecodeBinary(bg); err != nil {
		return err
	}

	gz := gzip.NewWriter(w)
	if _, err := gz.Write(gbaiMagic); err != nil {
		return err
	}

	var (
		sizeBuf     [4]byte
		buf         []byte
		firstRecord = true
		prevRefID   int32
		prevPos     int32
		lastEmitted int64
	)
	for {
		if _, err := io.ReadFull(bg, sizeBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		voffset := bg.LastChunk().Begin
		sz := int(binary.LittleEndian.Uint32(sizeBuf[:]))
		if sz < bamFixedBytes || sz > maxRecordSize {
			return fmt.Errorf("corrupt record size %d", sz)
		}
		resizeScratch(&buf, sz)
		if _, err := io.ReadFull(bg, buf); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
		refID := int32(binary.LittleEndian.Uint32(buf[0:4]))
		pos := int32(binary.LittleEndian.Uint32(buf[4:8]))

		// Never emit two entries for one (RefID, Pos) pair: seekOffset backs
		// up only past a strictly larger entry, so a second entry at the same
		// position could hide the records before it.
		newRefID := firstRecord || refID != prevRefID
		if newRefID || (voffset.File-lastEmitted >= int64(byteInterval) && pos != prevPos) {
			entry := gbaiEntry{
				RefID:   refID,
				Pos:     pos,
				Seq:     0,
				VOffset: toVOffset(voffset),
			}
			if err := binary.Write(gz, binary.LittleEndian, &entry); err != nil {
				return err
			}
			firstRecord = false
			prevRefID = refID
			prevPos = pos
			lastEmitted = voffset.File
		}
	}
	return gz.Close()
}
