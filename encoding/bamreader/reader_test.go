package bamreader

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHeader(t *testing.T, so sam.SortOrder, refs ...*sam.Reference) *sam.Header {
	header, err := sam.NewHeader(nil, refs)
	require.NoError(t, err)
	header.SortOrder = so
	return header
}

func newRef(t *testing.T, name string, length int) *sam.Reference {
	ref, err := sam.NewReference(name, "", "", length, nil, nil)
	require.NoError(t, err)
	return ref
}

// testRecord returns a single-base mapped record, or an unmapped one when ref
// is nil.
func testRecord(t *testing.T, name string, ref *sam.Reference, pos int) *sam.Record {
	seq := []byte{'A'}
	qual := []byte{30}
	var cigar []sam.CigarOp
	if ref != nil {
		cigar = []sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, len(seq))}
	}
	rec, err := sam.NewRecord(name, ref, ref, pos, pos, 0, 10, cigar, seq, qual, nil)
	require.NoError(t, err)
	if ref == nil {
		rec.Flags |= sam.Unmapped
	}
	return rec
}

func writeBAM(t *testing.T, path string, header *sam.Header, recs ...*sam.Record) {
	out, err := os.Create(path)
	require.NoError(t, err)
	w, err := bam.NewWriter(out, header, 1)
	require.NoError(t, err)
	for _, rec := range recs {
		require.NoError(t, w.Write(rec))
	}
	require.NoError(t, w.Close())
	require.NoError(t, out.Close())
}

func TestScanCoreFields(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ref := newRef(t, "chr1", 10000)
	header := newHeader(t, sam.Coordinate, ref)
	path := filepath.Join(tempDir, "test.bam")
	writeBAM(t, path, header,
		testRecord(t, "r1", ref, 100),
		testRecord(t, "r2", ref, 200),
		testRecord(t, "u1", nil, -1))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close() // nolint: errcheck
	assert.Equal(t, sam.Coordinate, r.Header().SortOrder)
	assert.Equal(t, 1, r.RefCount())
	assert.Equal(t, 0, r.RefID("chr1"))
	assert.Equal(t, -1, r.RefID("chrX"))

	rec := &Record{}
	require.True(t, r.Scan(rec))
	assert.Equal(t, int32(0), rec.RefID)
	assert.Equal(t, int32(100), rec.Pos)
	assert.Equal(t, "r1", rec.Name())
	k1 := rec.CoordKey()

	require.True(t, r.Scan(rec))
	assert.Equal(t, int32(200), rec.Pos)
	k2 := rec.CoordKey()
	assert.True(t, k1 < k2)

	require.True(t, r.Scan(rec))
	assert.Equal(t, int32(-1), rec.RefID)
	assert.Equal(t, "u1", rec.Name())
	assert.True(t, rec.Flags&sam.Unmapped != 0)
	assert.True(t, k2 < rec.CoordKey())

	assert.False(t, r.Scan(rec))
	assert.NoError(t, r.Err())
}

func TestMaterializeParity(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ref := newRef(t, "chr1", 10000)
	header := newHeader(t, sam.Coordinate, ref)

	seq := []byte("ACGTACGT")
	qual := []byte{30, 31, 32, 33, 34, 35, 36, 37}
	cigar := []sam.CigarOp{
		sam.NewCigarOp(sam.CigarSoftClipped, 2),
		sam.NewCigarOp(sam.CigarMatch, 6),
	}
	rich, err := sam.NewRecord("q1", ref, ref, 500, 700, 250, 60, cigar, seq, qual, nil)
	require.NoError(t, err)
	rich.Flags = sam.Paired | sam.Reverse
	for _, aux := range []struct {
		tag   string
		value interface{}
	}{
		{"RG", "rg1"},
		{"NM", int32(3)},
		{"ZF", float32(0.25)},
		{"ZB", []int32{-1, 0, 1}},
	} {
		a, err := sam.NewAux(sam.NewTag(aux.tag), aux.value)
		require.NoError(t, err)
		rich.AuxFields = append(rich.AuxFields, a)
	}
	path := filepath.Join(tempDir, "test.bam")
	writeBAM(t, path, header, rich, testRecord(t, "q2", ref, 600))

	// Decode the same file with the reference reader.
	in, err := os.Open(path)
	require.NoError(t, err)
	defer in.Close() // nolint: errcheck
	want, err := bam.NewReader(in, 1)
	require.NoError(t, err)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close() // nolint: errcheck
	rec := &Record{}
	for {
		wantRec, err := want.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.True(t, r.Scan(rec))
		got, err := rec.Materialize(r.Header())
		require.NoError(t, err)
		assert.Equal(t, wantRec.String(), got.String())
	}
	assert.False(t, r.Scan(rec))
	assert.NoError(t, r.Err())
}

func TestRewind(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ref := newRef(t, "chr1", 10000)
	header := newHeader(t, sam.Coordinate, ref)
	path := filepath.Join(tempDir, "test.bam")
	writeBAM(t, path, header,
		testRecord(t, "r1", ref, 100),
		testRecord(t, "r2", ref, 200))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close() // nolint: errcheck
	rec := &Record{}
	names := []string{}
	for r.Scan(rec) {
		names = append(names, rec.Name())
	}
	require.NoError(t, r.Err())
	assert.Equal(t, []string{"r1", "r2"}, names)

	require.NoError(t, r.Rewind())
	names = nil
	for r.Scan(rec) {
		names = append(names, rec.Name())
	}
	require.NoError(t, r.Err())
	assert.Equal(t, []string{"r1", "r2"}, names)
}

func TestCopyToMovesPayload(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ref := newRef(t, "chr1", 10000)
	header := newHeader(t, sam.Coordinate, ref)
	path := filepath.Join(tempDir, "test.bam")
	writeBAM(t, path, header,
		testRecord(t, "r1", ref, 100),
		testRecord(t, "r2", ref, 200))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close() // nolint: errcheck
	src, dst := &Record{}, &Record{}
	require.True(t, r.Scan(src))
	_, err = src.Materialize(r.Header())
	require.NoError(t, err)
	src.CopyTo(dst)
	assert.Nil(t, src.SAM())
	require.NotNil(t, dst.SAM())
	assert.Equal(t, "r1", dst.SAM().Name)

	// Refilling the source must not disturb the copy.
	require.True(t, r.Scan(src))
	assert.Equal(t, "r2", src.Name())
	assert.Equal(t, "r1", dst.Name())
	assert.Equal(t, int32(100), dst.Pos)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open("/nonexistent/no.bam")
	require.Error(t, err)
}

func TestCloseIdempotent(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ref := newRef(t, "chr1", 10000)
	path := filepath.Join(tempDir, "test.bam")
	writeBAM(t, path, newHeader(t, sam.Coordinate, ref), testRecord(t, "r1", ref, 100))

	r, err := Open(path)
	require.NoError(t, err)
	assert.True(t, r.IsOpen())
	require.NoError(t, r.Close())
	assert.False(t, r.IsOpen())
	require.NoError(t, r.Close())
	assert.False(t, r.Scan(&Record{}))
}

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	defer shutdown()
	os.Exit(m.Run())
}
