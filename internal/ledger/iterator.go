package ledger

import (
	"github.com/consilium-dev/consilium/internal/models"
)

// EntryIterator walks the ledger entries in ascending sequence order.
// The sequence is driven by the numeric filenames actually present on
// disk, not by the index, so iteration survives index corruption. Entry
// files are read lazily, one per Next call. Calling Entries again
// restarts from a fresh directory scan.
//
// Usage follows the sql.Rows pattern:
//
//	it := ledger.Entries()
//	for it.Next() {
//	    entry := it.Entry()
//	    ...
//	}
//	if err := it.Err(); err != nil { ... }
type EntryIterator struct {
	ledger  *Ledger
	numbers []int
	pos     int
	current *models.Entry
	err     error
}

// Entries returns an iterator over all entries on disk
func (l *Ledger) Entries() *EntryIterator {
	numbers, err := l.listEntryNumbers()
	return &EntryIterator{
		ledger:  l,
		numbers: numbers,
		err:     err,
	}
}

// Next advances to the next entry. Returns false when the sequence is
// exhausted or a read fails; check Err afterwards.
func (it *EntryIterator) Next() bool {
	if it.err != nil || it.pos >= len(it.numbers) {
		return false
	}

	entry, err := it.ledger.GetEntry(it.numbers[it.pos])
	if err != nil {
		it.err = err
		it.current = nil
		return false
	}

	it.current = entry
	it.pos++
	return true
}

// Entry returns the current entry
func (it *EntryIterator) Entry() *models.Entry {
	return it.current
}

// Number returns the sequence number of the current entry
func (it *EntryIterator) Number() int {
	if it.pos == 0 {
		return 0
	}
	return it.numbers[it.pos-1]
}

// Err returns the first error encountered during iteration
func (it *EntryIterator) Err() error {
	return it.err
}
