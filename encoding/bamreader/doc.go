// Package bamreader reads alignment records from a single BAM file.
//
// Unlike a general-purpose BAM decoder, the reader keeps each record in its
// raw serialized form and parses only the fields needed for merge ordering
// (coordinate, flags, read name) on every Scan. The full sam.Record is built
// on demand, which lets callers that only need positional fields skip the
// expensive payload decode entirely.
//
// With a .gbai or .bai index loaded, Jump and SetRegion provide random
// access by genomic coordinate. Package multireader composes many of these
// readers into one merged stream.
package bamreader
