package multireader

import (
	"fmt"

	"github.com/grailbio/hts/sam"
)

// SortOrderMismatchError reports a reader whose declared sort order differs
// from the first reader's.
type SortOrderMismatchError struct {
	Filename string
	Expected sam.SortOrder
	Found    sam.SortOrder
}

func (e *SortOrderMismatchError) Error() string {
	return fmt.Sprintf("%s: mismatched sort order: expected %v, found %v",
		e.Filename, e.Expected, e.Found)
}

// ReferenceCountMismatchError reports a reader whose reference dictionary has
// a different number of entries than the first reader's.
type ReferenceCountMismatchError struct {
	Filename string
	Expected int
	Found    int
}

func (e *ReferenceCountMismatchError) Error() string {
	return fmt.Sprintf("%s: mismatched number of references: expected %d, found %d",
		e.Filename, e.Expected, e.Found)
}

// ReferenceMismatchError reports the first reference dictionary entry that
// differs from the first reader's, by dictionary position.
type ReferenceMismatchError struct {
	Filename string
	Index    int
	Expected *sam.Reference
	Found    *sam.Reference
}

func (e *ReferenceMismatchError) Error() string {
	return fmt.Sprintf("%s: mismatched reference at index %d: expected %s:%d, found %s:%d",
		e.Filename, e.Index,
		e.Expected.Name(), e.Expected.Len(),
		e.Found.Name(), e.Found.Len())
}

// validateReaders confirms that every open reader agrees with the first on
// sort order and on the reference dictionary, entry for entry. Validation
// stops at the first mismatching reader; with fewer than two readers it is
// trivially successful. The merged stream's coordinate semantics and the
// first-reader metadata delegation both depend on this invariant.
func validateReaders(items []*mergeItem) error {
	if len(items) < 2 {
		return nil
	}
	first := items[0].reader
	wantOrder := first.Header().SortOrder
	wantRefs := first.Refs()
	for _, item := range items[1:] {
		r := item.reader
		if so := r.Header().SortOrder; so != wantOrder {
			return &SortOrderMismatchError{Filename: r.Path(), Expected: wantOrder, Found: so}
		}
		refs := r.Refs()
		if len(refs) != len(wantRefs) {
			return &ReferenceCountMismatchError{Filename: r.Path(), Expected: len(wantRefs), Found: len(refs)}
		}
		for i, want := range wantRefs {
			got := refs[i]
			if want.Name() != got.Name() || want.Len() != got.Len() {
				return &ReferenceMismatchError{Filename: r.Path(), Index: i, Expected: want, Found: got}
			}
		}
	}
	return nil
}
