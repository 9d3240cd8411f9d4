package bamreader

import (
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/hts/bgzf/index"
	"github.com/grailbio/hts/sam"
	"github.com/pkg/errors"
)

// IndexType identifies a BAM index flavor.
type IndexType int

const (
	// IndexGBAI is the .gbai index. It is the only flavor this package can
	// create.
	IndexGBAI IndexType = iota
	// IndexBAI is the standard samtools .bai index (read-only here).
	IndexBAI
)

func (t IndexType) String() string {
	switch t {
	case IndexGBAI:
		return "gbai"
	case IndexBAI:
		return "bai"
	}
	return "unknown"
}

// IndexCacheMode controls how long a loaded index is kept in memory.
type IndexCacheMode int

const (
	// KeepIndex retains the loaded index for the life of the reader.
	KeepIndex IndexCacheMode = iota
	// DropIndex releases the in-memory index after each seek and reloads it
	// from disk on demand.
	DropIndex
)

// GBAISuffix and BAISuffix are appended to a BAM path to derive the
// conventional index path.
const (
	GBAISuffix = ".gbai"
	BAISuffix  = ".bai"
)

// recordIndex maps a start coordinate to a virtual offset at or before the
// first record at that coordinate. first is the offset of the file's first
// alignment record, used as a conservative fallback.
type recordIndex interface {
	seekOffset(refs []*sam.Reference, first bgzf.Offset, start Coord) (bgzf.Offset, error)
}

// HasIndex reports whether an index is loaded or known by path.
func (r *Reader) HasIndex() bool { return r.index != nil || r.indexPath != "" }

// SetIndexCacheMode sets the index retention policy for subsequent seeks.
func (r *Reader) SetIndexCacheMode(mode IndexCacheMode) { r.cacheMode = mode }

// OpenIndex loads the index file at path. The flavor is derived from the
// path suffix.
func (r *Reader) OpenIndex(path string) error {
	idx, err := readIndexFile(path)
	if err != nil {
		return err
	}
	r.indexPath = path
	r.index = idx
	return nil
}

// LocateIndex probes the conventional index paths next to the BAM file,
// preferred flavor first, and loads the first one that exists.
func (r *Reader) LocateIndex(preferred IndexType) error {
	candidates := []string{r.path + GBAISuffix, r.path + BAISuffix}
	if preferred == IndexBAI {
		candidates[0], candidates[1] = candidates[1], candidates[0]
	}
	ctx := vcontext.Background()
	for _, path := range candidates {
		if _, err := file.Stat(ctx, path); err != nil {
			continue
		}
		return r.OpenIndex(path)
	}
	return errors.Errorf("no index found for %s", r.path)
}

// CreateIndex writes a fresh index next to the BAM file and loads it. Only
// the gbai flavor can be created.
func (r *Reader) CreateIndex(typ IndexType) error {
	if typ != IndexGBAI {
		return errors.Errorf("%s: cannot create index of type %v (only %v creation is supported)",
			r.path, typ, IndexGBAI)
	}
	ctx := vcontext.Background()
	in, err := file.Open(ctx, r.path)
	if err != nil {
		return errors.Wrapf(err, "create index for %s", r.path)
	}
	defer in.Close(ctx) // nolint: errcheck
	indexPath := r.path + GBAISuffix
	out, err := file.Create(ctx, indexPath)
	if err != nil {
		return errors.Wrapf(err, "create index %s", indexPath)
	}
	if err := writeGIndex(out.Writer(ctx), in.Reader(ctx), defaultGIndexInterval); err != nil {
		_ = out.Close(ctx)
		return errors.Wrapf(err, "write index %s", indexPath)
	}
	if err := out.Close(ctx); err != nil {
		return err
	}
	return r.OpenIndex(indexPath)
}

func (r *Reader) loadIndex() (recordIndex, error) {
	if r.index != nil {
		return r.index, nil
	}
	if r.indexPath == "" {
		return nil, errors.Errorf("%s: no index loaded", r.path)
	}
	idx, err := readIndexFile(r.indexPath)
	if err != nil {
		return nil, err
	}
	r.index = idx
	return idx, nil
}

func readIndexFile(path string) (recordIndex, error) {
	ctx := vcontext.Background()
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "open index %s", path)
	}
	defer in.Close(ctx) // nolint: errcheck
	switch {
	case strings.HasSuffix(path, GBAISuffix):
		idx, err := readGIndex(in.Reader(ctx))
		if err != nil {
			return nil, errors.Wrapf(err, "read index %s", path)
		}
		return idx, nil
	case strings.HasSuffix(path, BAISuffix):
		idx, err := bam.ReadIndex(in.Reader(ctx))
		if err != nil {
			return nil, errors.Wrapf(err, "read index %s", path)
		}
		return &baiIndex{idx: idx}, nil
	}
	return nil, errors.Errorf("%s: unrecognized index type", path)
}

// baiIndex serves seeks from a standard .bai index.
type baiIndex struct {
	idx *bam.Index
}

func (x *baiIndex) seekOffset(refs []*sam.Reference, first bgzf.Offset, start Coord) (bgzf.Offset, error) {
	if start.RefID < 0 {
		return x.unmappedOffset(refs, first)
	}
	if int(start.RefID) >= len(refs) {
		return bgzf.Offset{}, errors.Errorf("reference id %d out of range (%d references)",
			start.RefID, len(refs))
	}
	for id := int(start.RefID); id < len(refs); id++ {
		ref := refs[id]
		beg := 0
		if id == int(start.RefID) {
			beg = int(start.Pos)
		}
		if beg >= ref.Len() {
			continue
		}
		chunks, err := x.idx.Chunks(ref, beg, ref.Len())
		if err == index.ErrInvalid || len(chunks) == 0 {
			// No reads indexed at or after beg on this reference; try the
			// next one.
			continue
		}
		if err != nil {
			return bgzf.Offset{}, err
		}
		return chunks[0].Begin, nil
	}
	return x.unmappedOffset(refs, first)
}

// unmappedOffset returns a conservative offset at or before the unmapped
// section at the end of the file: the largest chunk end across all
// references, or the first record when nothing is indexed.
func (x *baiIndex) unmappedOffset(refs []*sam.Reference, first bgzf.Offset) (bgzf.Offset, error) {
	var last bgzf.Offset
	found := false
	for _, ref := range refs {
		chunks, err := x.idx.Chunks(ref, 0, ref.Len())
		if err == index.ErrInvalid {
			continue
		}
		if err != nil {
			return last, err
		}
		if len(chunks) == 0 {
			continue
		}
		found = true
		c := chunks[len(chunks)-1]
		if c.End.File > last.File ||
			(c.End.File == last.File && c.End.Block > last.Block) {
			last = c.End
		}
	}
	if !found {
		return first, nil
	}
	return last, nil
}
