package multireader

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/multibam/encoding/bamreader"
	"v.io/x/lib/vlog"
)

// MultiReader presents a set of BAM files as a single merged record stream in
// the files' collective sort order. It owns one reader and one pending-record
// buffer per open file, plus a merge cache holding at most one pending record
// per reader; Next repeatedly pops the globally-next record and refills the
// originating reader's slot.
//
// The zero value is ready to use. MultiReader is not safe for concurrent use.
type MultiReader struct {
	items []*mergeItem
	cache *mergeCache
	err   errors.Once
}

var errNoOpenReaders = errors.E("multireader: no open readers")

// Open opens every non-empty path in paths and primes the merged stream.
// Every path is attempted regardless of earlier failures: files that fail to
// open are logged and skipped, and with two or more readers open the set is
// validated for identical sort orders and reference dictionaries (a
// validation failure does not roll back readers that did open). The merge
// cache's ordering policy is derived from the composed header once the new
// reader set is in place.
//
// The returned error is the first failure encountered (open, validation, or
// cache build); nil means every file opened and the set is consistent.
// Open may be called again to add files to an already-open set.
func (m *MultiReader) Open(paths []string) error {
	e := errors.Once{}
	if len(m.items) > 0 {
		e.Set(m.rewindReaders())
	}
	// Drop the cache so the ordering policy is re-derived from the header of
	// the new reader set.
	m.cache = nil
	for _, path := range paths {
		if path == "" {
			continue
		}
		r, err := bamreader.Open(path)
		if err != nil {
			log.Error.Printf("multireader: open %s: %v", path, err)
			e.Set(err)
			continue
		}
		m.items = append(m.items, &mergeItem{reader: r, rec: &bamreader.Record{}})
	}
	if len(m.items) > 1 {
		if err := validateReaders(m.items); err != nil {
			log.Error.Printf("multireader: %v", err)
			e.Set(err)
		}
	}
	e.Set(m.updateCache())
	return e.Err()
}

// Close closes every open reader. The MultiReader can be reused afterwards.
func (m *MultiReader) Close() error {
	return m.closeFiles(m.Filenames())
}

// CloseFile closes the first open reader matching path, removing its pending
// record from the merge cache. Closing a path that is not open is a no-op.
func (m *MultiReader) CloseFile(path string) error {
	return m.closeFiles([]string{path})
}

func (m *MultiReader) closeFiles(paths []string) error {
	e := errors.Once{}
	for _, path := range paths {
		if path == "" {
			continue
		}
		for i, item := range m.items {
			if item.reader.Path() != path {
				continue
			}
			if m.cache != nil {
				m.cache.remove(item)
			}
			e.Set(item.reader.Close())
			// The collection slot and the pending buffer it owns are
			// released together.
			m.items = append(m.items[:i], m.items[i+1:]...)
			break
		}
	}
	if len(m.items) == 0 && m.cache != nil {
		m.cache.clear()
		m.cache = nil
	}
	return e.Err()
}

// Next delivers the next record of the merged stream into rec, including the
// fully decoded payload and the originating filename. It returns false when
// no records remain; Err reports whether a read error cut the stream short.
func (m *MultiReader) Next(rec *bamreader.Record) bool {
	return m.next(rec, true)
}

// NextCore is Next without payload materialization: only the serialized form
// and the positional fields are filled in. Callers that need just
// coordinates or names avoid the decode cost.
func (m *MultiReader) NextCore(rec *bamreader.Record) bool {
	return m.next(rec, false)
}

func (m *MultiReader) next(out *bamreader.Record, fullData bool) bool {
	if m.cache == nil || m.cache.empty() {
		return false
	}
	item := m.cache.takeFirst()
	if fullData {
		if _, err := item.rec.Materialize(item.reader.Header()); err != nil {
			log.Error.Printf("multireader: %s: %v", item.reader.Path(), err)
			m.err.Set(err)
			return false
		}
		item.rec.Filename = item.reader.Path()
	}
	item.rec.CopyTo(out)
	m.fillSlot(item)
	return true
}

// fillSlot refills the reader's cache slot with its next record. A reader
// with nothing left simply contributes no further items; it stays in the
// collection.
func (m *MultiReader) fillSlot(item *mergeItem) {
	if item.reader.Scan(item.rec) {
		m.cache.add(item)
		return
	}
	if err := item.reader.Err(); err != nil {
		log.Error.Printf("multireader: read %s: %v", item.reader.Path(), err)
		m.err.Set(err)
	}
}

// Err returns the first error encountered while reading the merged stream,
// or nil. End of data is not an error.
func (m *MultiReader) Err() error { return m.err.Err() }

// Rewind positions every reader back at its first record and re-primes the
// merge cache. Unlike Jump and SetRegion, a rewind failure on any reader is
// an overall failure, reported before the cache rebuild is attempted.
func (m *MultiReader) Rewind() error {
	if err := m.rewindReaders(); err != nil {
		log.Error.Printf("multireader: rewind: %v", err)
		return err
	}
	return m.updateCache()
}

func (m *MultiReader) rewindReaders() error {
	e := errors.Once{}
	for _, item := range m.items {
		e.Set(item.reader.Rewind())
	}
	return e.Err()
}

// Jump seeks every reader to the first record at or after (refID, pos). A
// seek failure on one reader is logged and otherwise ignored: that reader
// yields nothing for the range, which is indistinguishable from having no
// overlapping records. The returned error reflects only the cache rebuild.
func (m *MultiReader) Jump(refID, pos int) error {
	return m.SetRegion(bamreader.AllFrom(refID, pos))
}

// SetRegion scopes every reader to region, with the same per-reader failure
// policy as Jump, then unconditionally rebuilds the merge cache.
func (m *MultiReader) SetRegion(region bamreader.Region) error {
	for _, item := range m.items {
		if err := item.reader.SetRegion(region); err != nil {
			log.Error.Printf("multireader: seek %s to %v: %v", item.reader.Path(), region, err)
		}
	}
	return m.updateCache()
}

// updateCache (re)builds the merge cache and primes it with one lookahead
// record per reader.
func (m *MultiReader) updateCache() error {
	if len(m.items) == 0 {
		m.cache = nil
		return errNoOpenReaders
	}
	if m.cache == nil {
		so := m.items[0].reader.Header().SortOrder
		m.cache = newMergeCache(so)
		vlog.VI(1).Infof("multireader: new merge cache, sort order %v, %d readers", so, len(m.items))
	}
	m.cache.clear()
	for _, item := range m.items {
		m.fillSlot(item)
	}
	return nil
}

// CreateIndexes creates an index of the given type for every reader that
// lacks one. Failures are aggregated; every reader is attempted.
func (m *MultiReader) CreateIndexes(typ bamreader.IndexType) error {
	e := errors.Once{}
	for _, item := range m.items {
		if !item.reader.HasIndex() {
			e.Set(item.reader.CreateIndex(typ))
		}
	}
	return e.Err()
}

// LocateIndexes looks for an existing index (preferred type first) for every
// reader that lacks one. Failures are aggregated; every reader is attempted.
func (m *MultiReader) LocateIndexes(preferred bamreader.IndexType) error {
	e := errors.Once{}
	for _, item := range m.items {
		if !item.reader.HasIndex() {
			e.Set(item.reader.LocateIndex(preferred))
		}
	}
	return e.Err()
}

// OpenIndexes loads one index file per open reader, pairing the two lists by
// position. It fails immediately, opening nothing, unless the counts match.
func (m *MultiReader) OpenIndexes(indexPaths []string) error {
	if len(indexPaths) != len(m.items) {
		return errors.E("multireader: got", len(indexPaths), "index files for", len(m.items), "open readers")
	}
	e := errors.Once{}
	for i, item := range m.items {
		e.Set(item.reader.OpenIndex(indexPaths[i]))
	}
	return e.Err()
}

// HasIndexes reports whether every open reader has an index, i.e. whether
// Jump and SetRegion can be expected to work. False when nothing is open.
func (m *MultiReader) HasIndexes() bool {
	if len(m.items) == 0 {
		return false
	}
	for _, item := range m.items {
		if !item.reader.HasIndex() {
			return false
		}
	}
	return true
}

// SetIndexCacheMode sets the index retention policy on every reader.
func (m *MultiReader) SetIndexCacheMode(mode bamreader.IndexCacheMode) {
	for _, item := range m.items {
		item.reader.SetIndexCacheMode(mode)
	}
}

// HasOpenReaders reports whether at least one reader is open.
func (m *MultiReader) HasOpenReaders() bool {
	for _, item := range m.items {
		if item.reader.IsOpen() {
			return true
		}
	}
	return false
}

// Filenames returns the paths of the open readers, in slot order.
func (m *MultiReader) Filenames() []string {
	paths := make([]string, 0, len(m.items))
	for _, item := range m.items {
		if path := item.reader.Path(); path != "" {
			paths = append(paths, path)
		}
	}
	return paths
}

// HeaderText returns the composed header of the merged stream (see
// mergedHeaderText). Empty when nothing is open.
func (m *MultiReader) HeaderText() (string, error) {
	return mergedHeaderText(m.items)
}

// Header parses the composed header text. Nil when nothing is open.
func (m *MultiReader) Header() (*sam.Header, error) {
	text, err := m.HeaderText()
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}
	return sam.NewHeader([]byte(text), nil)
}

// The reference queries below delegate to the first open reader: validation
// guarantees all open readers share one reference dictionary.

// RefCount returns the number of reference sequences, or 0 when nothing is
// open.
func (m *MultiReader) RefCount() int {
	if len(m.items) == 0 {
		return 0
	}
	return m.items[0].reader.RefCount()
}

// Refs returns the shared reference dictionary, or nil when nothing is open.
func (m *MultiReader) Refs() []*sam.Reference {
	if len(m.items) == 0 {
		return nil
	}
	return m.items[0].reader.Refs()
}

// RefID returns the ID of the named reference, or -1 when it is unknown or
// nothing is open.
func (m *MultiReader) RefID(name string) int {
	if len(m.items) == 0 {
		return -1
	}
	return m.items[0].reader.RefID(name)
}
