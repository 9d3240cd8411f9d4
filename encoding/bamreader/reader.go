package bamreader

import (
	"encoding/binary"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/hts/sam"
)

// Opts defines options for Open.
type Opts struct {
	// Index is the pathname of an index file to load immediately. If "", no
	// index is loaded; LocateIndex or OpenIndex can load one later.
	Index string

	// CacheMode controls whether a loaded index stays in memory across seeks.
	CacheMode IndexCacheMode
}

// Reader provides sequential and, once an index is loaded, random access to
// the alignment records of a single BAM file. The path may be local or an S3
// URL. Reader is not safe for concurrent use.
type Reader struct {
	path   string
	in     file.File
	bgzf   *bgzf.Reader
	header *sam.Header
	// Virtual offset of the first alignment record, right after the header.
	first bgzf.Offset

	// Active region constraint on Scan, as packed coordinate keys.
	start, limit CoordKey

	index     recordIndex
	indexPath string
	cacheMode IndexCacheMode

	sizeBuf [4]byte
	err     error
}

func mergeOpts(optList []Opts) Opts {
	opts := Opts{}
	for _, o := range optList {
		if o.Index != "" {
			opts.Index = o.Index
		}
		if o.CacheMode != KeepIndex {
			opts.CacheMode = o.CacheMode
		}
	}
	return opts
}

// Open opens the BAM file at path and decodes its header. On error, no
// resources are retained.
func Open(path string, optList ...Opts) (*Reader, error) {
	opts := mergeOpts(optList)
	ctx := vcontext.Background()
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	bg, err := bgzf.NewReader(in.Reader(ctx), 1)
	if err != nil {
		_ = in.Close(ctx)
		return nil, errors.E(err, "open", path)
	}
	header, err := sam.NewHeader(nil, nil)
	if err != nil {
		_ = in.Close(ctx)
		return nil, err
	}
	if err := header.DecodeBinary(bg); err != nil {
		_ = bg.Close()
		_ = in.Close(ctx)
		return nil, errors.E(err, "decode BAM header", path)
	}
	r := &Reader{
		path:      path,
		in:        in,
		bgzf:      bg,
		header:    header,
		first:     bg.LastChunk().End,
		limit:     infinityKey,
		cacheMode: opts.CacheMode,
	}
	if opts.Index != "" {
		if err := r.OpenIndex(opts.Index); err != nil {
			_ = r.Close()
			return nil, err
		}
	}
	return r, nil
}

// Close releases the underlying file. It is idempotent.
func (r *Reader) Close() error {
	e := errors.Once{}
	if r.bgzf != nil {
		e.Set(r.bgzf.Close())
		r.bgzf = nil
	}
	if r.in != nil {
		e.Set(r.in.Close(vcontext.Background()))
		r.in = nil
	}
	r.index = nil
	return e.Err()
}

// IsOpen reports whether the reader still owns an open file.
func (r *Reader) IsOpen() bool { return r.bgzf != nil }

// Path returns the path the reader was opened with.
func (r *Reader) Path() string { return r.path }

// Header returns the file's header. The caller must not modify it.
func (r *Reader) Header() *sam.Header { return r.header }

// Refs returns the reference dictionary, in file order.
func (r *Reader) Refs() []*sam.Reference { return r.header.Refs() }

// RefCount returns the number of reference sequences.
func (r *Reader) RefCount() int { return len(r.header.Refs()) }

// RefID returns the ID of the named reference, or -1 if it is not in the
// dictionary.
func (r *Reader) RefID(name string) int {
	for _, ref := range r.header.Refs() {
		if ref.Name() == name {
			return ref.ID()
		}
	}
	return -1
}

// Scan reads the next record within the active region into rec, overwriting
// rec's scratch buffer in place. It returns false at end of data or on error;
// Err distinguishes the two.
func (r *Reader) Scan(rec *Record) bool {
	if r.bgzf == nil {
		return false
	}
	if r.err != nil {
		return false
	}
	for {
		if _, err := io.ReadFull(r.bgzf, r.sizeBuf[:]); err != nil {
			r.err = err
			return false
		}
		sz := int(binary.LittleEndian.Uint32(r.sizeBuf[:]))
		if sz < bamFixedBytes || sz > maxRecordSize {
			r.err = errors.E("corrupt record size", sz, "in", r.path)
			return false
		}
		resizeScratch(&rec.buf, sz)
		if _, err := io.ReadFull(r.bgzf, rec.buf); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			r.err = err
			return false
		}
		if err := rec.parseCore(); err != nil {
			r.err = errors.E(err, r.path)
			return false
		}
		key := makeCoordKey(rec.RefID, rec.Pos, false)
		if key < r.start {
			// Record precedes the region; keep scanning forward.
			continue
		}
		if key >= r.limit {
			r.err = io.EOF
			return false
		}
		return true
	}
}

// Err returns the error that terminated scanning, or nil. Reaching end of
// data is not an error.
func (r *Reader) Err() error {
	if r.err == io.EOF {
		return nil
	}
	return r.err
}

// Rewind positions the reader back at the first alignment record and clears
// any region constraint.
func (r *Reader) Rewind() error {
	if r.bgzf == nil {
		return errors.E("rewind", r.path, "reader is closed")
	}
	if err := r.bgzf.Seek(r.first); err != nil {
		return errors.E(err, "rewind", r.path)
	}
	r.start, r.limit = 0, infinityKey
	r.err = nil
	return nil
}

// Jump performs an index-backed seek to the first record at or after
// (refID, pos) and scopes subsequent Scans to [(refID,pos), end of file).
// refID -1 addresses the unmapped section.
func (r *Reader) Jump(refID, pos int) error {
	return r.SetRegion(AllFrom(refID, pos))
}

// SetRegion performs an index-backed seek to the start of region and scopes
// subsequent Scans to it. On failure the reader yields no further records
// until the next successful seek or Rewind, which makes a failed seek
// indistinguishable from a region with no overlapping records.
func (r *Reader) SetRegion(region Region) error {
	if err := r.setRegion(region); err != nil {
		r.err = io.EOF
		return err
	}
	return nil
}

func (r *Reader) setRegion(region Region) error {
	if r.bgzf == nil {
		return errors.E("seek", r.path, "reader is closed")
	}
	idx, err := r.loadIndex()
	if err != nil {
		return err
	}
	off, err := idx.seekOffset(r.header.Refs(), r.first, region.Start)
	if err != nil {
		return errors.E(err, "seek", r.path, "to", region.String())
	}
	if err := r.bgzf.Seek(off); err != nil {
		return errors.E(err, "seek", r.path, "to", region.String())
	}
	r.start = region.Start.key()
	r.limit = region.Limit.key()
	r.err = nil
	if r.cacheMode == DropIndex {
		r.index = nil
	}
	return nil
}
