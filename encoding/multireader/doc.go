// Package multireader merges the record streams of multiple BAM files into a
// single stream, preserving the files' collective sort order.
//
// All files must agree on sort order and reference dictionary; Open verifies
// this. Records are merged with one lookahead record per file, so memory use
// is proportional to the number of files, not their size. When every file has
// an index loaded, Jump and SetRegion restrict the merged stream to a genomic
// interval.
//
// Each delivered record carries the name of the file it came from, so callers
// can attribute records after the streams are interleaved.
package multireader
