package main

// bio-multibam merges multiple BAM files into a single SAM stream on stdout,
// preserving the files' collective sort order.
//
// Usage: bio-multibam [-region chr:beg-end] input.bam...

import (
	"flag"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/multibam/encoding/bamreader"
	"github.com/grailbio/multibam/encoding/multireader"
)

var (
	regionFlag = flag.String("region", "",
		"Restrict output to a genomic region, e.g. 'chr1', 'chr1:1000' or 'chr1:1000-2000' (1-based, inclusive). Requires indexes.")
	indexFlag = flag.Bool("index", false,
		"Create a .gbai index for any input that lacks one, instead of locating existing indexes.")
	headerOnlyFlag = flag.Bool("header-only", false,
		"Print only the merged header.")
)

// parseRegion translates a samtools-style region string into a half-open
// 0-based interval on the named reference.
func parseRegion(m *multireader.MultiReader, s string) bamreader.Region {
	name := s
	beg, end := 1, 0
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		name = s[:i]
		span := s[i+1:]
		var err error
		if j := strings.IndexByte(span, '-'); j >= 0 {
			if end, err = strconv.Atoi(span[j+1:]); err != nil {
				log.Panicf("region %q: bad end position: %v", s, err)
			}
			span = span[:j]
		}
		if beg, err = strconv.Atoi(span); err != nil {
			log.Panicf("region %q: bad start position: %v", s, err)
		}
	}
	refID := m.RefID(name)
	if refID < 0 {
		log.Panicf("region %q: reference %q not found", s, name)
	}
	region := bamreader.AllFrom(refID, beg-1)
	if end > 0 {
		region.Limit = bamreader.Coord{RefID: int32(refID), Pos: int32(end)}
	} else {
		// Without an explicit end, stop at the end of the reference.
		region.Limit = bamreader.Coord{RefID: int32(refID) + 1, Pos: 0}
	}
	return region
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	flag.Usage = func() {
		os.Stderr.WriteString(`Usage: bio-multibam [flags] input.bam...

Reads alignment records from all the given BAM files and writes them to stdout
as a single SAM stream in the files' collective sort order. All inputs must
share one sort order and reference dictionary.
`)
		flag.PrintDefaults()
	}
	shutdown := grail.Init()
	defer shutdown()

	paths := flag.Args()
	if len(paths) == 0 {
		flag.Usage()
		os.Exit(1)
	}
	m := &multireader.MultiReader{}
	if err := m.Open(paths); err != nil {
		log.Panicf("open %v: %v", paths, err)
	}
	defer m.Close() // nolint: errcheck

	header, err := m.Header()
	if err != nil {
		log.Panicf("compose header: %v", err)
	}
	w, err := sam.NewWriter(os.Stdout, header, sam.FlagDecimal)
	if err != nil {
		log.Panicf("write header: %v", err)
	}
	if *headerOnlyFlag {
		return
	}

	if *regionFlag != "" {
		if *indexFlag {
			if err := m.CreateIndexes(bamreader.IndexGBAI); err != nil {
				log.Panicf("create indexes: %v", err)
			}
		} else if err := m.LocateIndexes(bamreader.IndexGBAI); err != nil {
			log.Panicf("locate indexes: %v", err)
		}
		if err := m.SetRegion(parseRegion(m, *regionFlag)); err != nil {
			log.Panicf("seek to %s: %v", *regionFlag, err)
		}
	}

	rec := &bamreader.Record{}
	nRecs := 0
	for m.Next(rec) {
		if err := w.Write(rec.SAM()); err != nil {
			log.Panicf("write record %d: %v", nRecs, err)
		}
		nRecs++
	}
	if err := m.Err(); err != nil {
		log.Panicf("read %v: %v", paths, err)
	}
	log.Printf("wrote %d records from %d files", nRecs, len(paths))
}
