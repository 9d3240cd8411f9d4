package bamreader

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTwoRefBAM writes a coordinate-sorted BAM with 50 records on each of
// chr1 and chr2 (positions 0, 100, ..., 4900) plus 3 unmapped records, and
// returns its path.
func writeTwoRefBAM(t *testing.T, tempDir string) (string, *sam.Header) {
	ref1 := newRef(t, "chr1", 100000)
	ref2 := newRef(t, "chr2", 100000)
	header := newHeader(t, sam.Coordinate, ref1, ref2)
	recs := []*sam.Record{}
	for _, ref := range []*sam.Reference{ref1, ref2} {
		for i := 0; i < 50; i++ {
			recs = append(recs, testRecord(t, ref.Name()+"-r"+string(rune('A'+i%26)), ref, i*100))
		}
	}
	for i := 0; i < 3; i++ {
		recs = append(recs, testRecord(t, "unmapped", nil, -1))
	}
	path := filepath.Join(tempDir, "tworef.bam")
	writeBAM(t, path, header, recs...)
	return path, header
}

func scanPositions(t *testing.T, r *Reader) (positions []Coord) {
	rec := &Record{}
	for r.Scan(rec) {
		positions = append(positions, Coord{RefID: rec.RefID, Pos: rec.Pos})
	}
	require.NoError(t, r.Err())
	return positions
}

func TestCreateIndexAndJump(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path, _ := writeTwoRefBAM(t, tempDir)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close() // nolint: errcheck
	assert.False(t, r.HasIndex())

	// A seek without an index fails and leaves the reader yielding nothing.
	require.Error(t, r.Jump(1, 2500))
	assert.False(t, r.Scan(&Record{}))
	assert.NoError(t, r.Err())

	require.NoError(t, r.CreateIndex(IndexGBAI))
	assert.True(t, r.HasIndex())

	// chr2 positions >= 2500, then the unmapped section.
	require.NoError(t, r.Jump(1, 2500))
	positions := scanPositions(t, r)
	require.Equal(t, 25+3, len(positions))
	assert.Equal(t, Coord{RefID: 1, Pos: 2500}, positions[0])
	assert.Equal(t, Coord{RefID: -1, Pos: -1}, positions[len(positions)-1])

	// A bounded region excludes the unmapped section.
	require.NoError(t, r.SetRegion(Region{
		Start: Coord{RefID: 1, Pos: 2500},
		Limit: Coord{RefID: 1, Pos: 4000},
	}))
	positions = scanPositions(t, r)
	require.Equal(t, 15, len(positions))
	assert.Equal(t, Coord{RefID: 1, Pos: 2500}, positions[0])
	assert.Equal(t, Coord{RefID: 1, Pos: 3900}, positions[len(positions)-1])

	// Jumping to the unmapped section yields exactly the unmapped records.
	require.NoError(t, r.Jump(-1, 0))
	positions = scanPositions(t, r)
	require.Equal(t, 3, len(positions))
	for _, p := range positions {
		assert.Equal(t, int32(-1), p.RefID)
	}

	// Rewind clears the region and replays the whole file.
	require.NoError(t, r.Rewind())
	assert.Equal(t, 103, len(scanPositions(t, r)))
}

func TestLocateIndex(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path, _ := writeTwoRefBAM(t, tempDir)

	// No index exists yet.
	r, err := Open(path)
	require.NoError(t, err)
	require.Error(t, r.LocateIndex(IndexGBAI))
	assert.False(t, r.HasIndex())

	// Creating one leaves a .gbai next to the BAM, which a fresh reader finds.
	require.NoError(t, r.CreateIndex(IndexGBAI))
	require.NoError(t, r.Close())

	r2, err := Open(path)
	require.NoError(t, err)
	defer r2.Close() // nolint: errcheck
	require.NoError(t, r2.LocateIndex(IndexGBAI))
	assert.True(t, r2.HasIndex())
	require.NoError(t, r2.Jump(1, 0))
	assert.Equal(t, 53, len(scanPositions(t, r2)))
}

func TestOpenIndexErrors(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path, _ := writeTwoRefBAM(t, tempDir)
	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close() // nolint: errcheck

	require.Error(t, r.OpenIndex(filepath.Join(tempDir, "missing.gbai")))
	// A BAM file is not an index of any flavor.
	require.Error(t, r.OpenIndex(path))
	assert.False(t, r.HasIndex())

	// Only gbai creation is supported.
	require.Error(t, r.CreateIndex(IndexBAI))
}

func TestIndexCacheMode(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path, _ := writeTwoRefBAM(t, tempDir)
	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close() // nolint: errcheck
	require.NoError(t, r.CreateIndex(IndexGBAI))
	r.SetIndexCacheMode(DropIndex)

	// The index is reloaded from disk on every seek.
	require.NoError(t, r.Jump(1, 0))
	assert.Equal(t, 53, len(scanPositions(t, r)))
	require.NoError(t, r.Jump(0, 4000))
	assert.Equal(t, 10+50+3, len(scanPositions(t, r)))

	// Once the file is gone the next seek fails and drains the reader.
	require.NoError(t, os.Remove(path+GBAISuffix))
	require.Error(t, r.Jump(1, 0))
	assert.False(t, r.Scan(&Record{}))
	assert.NoError(t, r.Err())
}

func TestGIndexFormat(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path, _ := writeTwoRefBAM(t, tempDir)
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)

	// A tiny byte interval forces entries beyond the per-RefID minimum.
	var buf bytes.Buffer
	require.NoError(t, writeGIndex(&buf, bytes.NewReader(data), 1))
	idx, err := readGIndex(&buf)
	require.NoError(t, err)
	require.True(t, len(idx) >= 3, "got %d entries", len(idx))

	// First entry per RefID, entries sorted, unmapped last.
	assert.Equal(t, gbaiEntry{RefID: 0, Pos: 0, Seq: 0, VOffset: idx[0].VOffset}, idx[0])
	seenRefs := map[int32]bool{}
	for i := range idx {
		seenRefs[idx[i].RefID] = true
		if i > 0 {
			assert.True(t, compareEntryPos(&idx[i-1], &idx[i]) < 0, "entry %d out of order", i)
		}
	}
	assert.True(t, seenRefs[0] && seenRefs[1] && seenRefs[-1])
	assert.Equal(t, int32(-1), idx[len(idx)-1].RefID)

	_, err = readGIndex(bytes.NewReader([]byte("not an index")))
	require.Error(t, err)
}
