package bamreader

import (
	"encoding/binary"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/sam"
)

const (
	// Number of fixed-width bytes at the start of a serialized BAM record
	// (refID through tlen), before the read name.
	bamFixedBytes = 32

	// Serialized records larger than this are assumed corrupt.
	maxRecordSize = 0xffffff
)

// Record is the per-reader pending-record buffer. Reader.Scan overwrites it in
// place on every call: the raw serialized form of the record is kept in a
// scratch buffer that is resized, never reallocated, across refills. Only the
// fields needed for merge ordering (coordinate, flags, read name) are parsed
// eagerly; the full sam.Record is built on demand by Materialize.
//
// A Record delivered to a caller is always a copy (see CopyTo); callers never
// hold references into a reader's internal scratch.
type Record struct {
	// RefID and Pos are the alignment start coordinate. RefID is -1 for
	// unmapped records, which sort after all mapped ones.
	RefID int32
	Pos   int32
	// Flags of the alignment, parsed from the fixed-width prefix.
	Flags sam.Flags
	// Filename identifies the file the record came from. It is stamped at
	// delivery time, when the full payload is requested.
	Filename string

	nameLen int
	buf     []byte
	rec     *sam.Record
}

var errRecordTooShort = errors.E("bamreader: record too short")

// resizeScratch makes *buf exactly n bytes long, reusing the existing backing
// array whenever it is large enough.
func resizeScratch(buf *[]byte, n int) {
	if cap(*buf) < n {
		// Allocate slightly more than needed to damp future growth.
		size := (n/16 + 1) * 16
		*buf = make([]byte, n, size)
	} else {
		*buf = (*buf)[:n]
	}
}

// parseCore parses the merge-ordering fields out of the scratch buffer, which
// the reader has just overwritten with a serialized record (fixed 32-byte
// prefix onward, without the length prefix).
func (r *Record) parseCore() error {
	b := r.buf
	if len(b) < bamFixedBytes {
		return errRecordTooShort
	}
	r.RefID = int32(binary.LittleEndian.Uint32(b[0:4]))
	r.Pos = int32(binary.LittleEndian.Uint32(b[4:8]))
	r.Flags = sam.Flags(binary.LittleEndian.Uint16(b[14:16]))
	nameLen := int(b[8]) // NUL terminator included
	if nameLen < 1 || bamFixedBytes+nameLen > len(b) {
		return errRecordTooShort
	}
	r.nameLen = nameLen - 1
	r.rec = nil
	r.Filename = ""
	return nil
}

// NameBytes returns the read name without copying. The returned slice aliases
// the scratch buffer and is invalidated by the next Scan into this Record.
func (r *Record) NameBytes() []byte {
	return r.buf[bamFixedBytes : bamFixedBytes+r.nameLen]
}

// Name returns the read name.
func (r *Record) Name() string { return string(r.NameBytes()) }

// CoordKey returns the packed sort key for coordinate ordering.
func (r *Record) CoordKey() CoordKey {
	return makeCoordKey(r.RefID, r.Pos, r.Flags&sam.Reverse != 0)
}

// Materialize builds the full sam.Record from the raw serialized form, using
// header for reference lookups. The result is cached until the Record is
// refilled. All byte ranges are copied out of the scratch buffer, so the
// returned record remains valid after the Record is reused.
func (r *Record) Materialize(header *sam.Header) (*sam.Record, error) {
	if r.rec != nil {
		return r.rec, nil
	}
	rec, err := unmarshalRecord(r.buf, header)
	if err != nil {
		return nil, err
	}
	r.rec = rec
	return rec, nil
}

// SAM returns the materialized record, or nil if Materialize has not been
// called since the last refill.
func (r *Record) SAM() *sam.Record { return r.rec }

// CopyTo copies the record into dst, reusing dst's scratch buffer. The
// materialized payload, if any, is moved rather than copied: after CopyTo the
// receiver no longer references it, so refilling the receiver cannot
// invalidate dst.
func (r *Record) CopyTo(dst *Record) {
	dst.RefID = r.RefID
	dst.Pos = r.Pos
	dst.Flags = r.Flags
	dst.Filename = r.Filename
	dst.nameLen = r.nameLen
	resizeScratch(&dst.buf, len(r.buf))
	copy(dst.buf, r.buf)
	dst.rec = r.rec
	r.rec = nil
}
