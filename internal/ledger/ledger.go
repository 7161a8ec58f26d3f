// Package ledger implements the append-only, hash-chained credit ledger.
//
// PR comments are the source of truth (public, auditable); the files in
// the ledger directory are derived state that is always rebuildable from
// GitHub. Layout:
//
//	ledger/
//	├── index.json          // chain metadata + identity balances
//	└── entries/
//	    ├── 0001.json       // first entry
//	    ├── 0002.json
//	    └── ...
//
// The index is a cache over the entries. Every operation that mutates it
// does so via an atomic temp-file-and-rename write, and repair rebuilds
// it from the entry files alone.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/consilium-dev/consilium/internal/models"
	"github.com/consilium-dev/consilium/pkg/utils"
)

// IndexVersion is the current index file format version
const IndexVersion = "0.1"

// Index is the derived summary cached beside the entry log
type Index struct {
	Version     string             `json:"version"`
	HeadHash    string             `json:"head_hash"`
	EntryCount  int                `json:"entry_count"`
	Balances    map[string]float64 `json:"balances"`
	LastUpdated string             `json:"last_updated"`
}

// Ledger is a file-backed append-only chain of credit entries.
// A ledger directory must have exactly one concurrent writer; the
// atomic-rename pattern does not serialize independent processes.
type Ledger struct {
	dir        string
	entriesDir string
	indexPath  string
	logger     *logrus.Logger
}

// New creates a ledger handle over the given directory
func New(dir string) *Ledger {
	return &Ledger{
		dir:        dir,
		entriesDir: filepath.Join(dir, "entries"),
		indexPath:  filepath.Join(dir, "index.json"),
		logger:     utils.GetLogger(),
	}
}

// Dir returns the ledger directory path
func (l *Ledger) Dir() string {
	return l.dir
}

// Init initializes the ledger directory structure. Idempotent: an
// existing index is never touched.
func (l *Ledger) Init() error {
	if err := os.MkdirAll(l.entriesDir, 0755); err != nil {
		return utils.NewAppError(utils.ErrCodeInternal, "Failed to create entries directory", err.Error())
	}

	if _, err := os.Stat(l.indexPath); os.IsNotExist(err) {
		return l.writeIndex(&Index{
			Version:     IndexVersion,
			HeadHash:    models.GenesisHash,
			EntryCount:  0,
			Balances:    map[string]float64{},
			LastUpdated: utcNow(),
		})
	}

	return nil
}

// HeadHash returns the hash of the most recent entry, or the genesis
// sentinel if the ledger is empty or uninitialized.
func (l *Ledger) HeadHash() string {
	index, err := l.readIndex()
	if err != nil {
		return models.GenesisHash
	}
	return index.HeadHash
}

// Balances returns current credit balances per identity
func (l *Ledger) Balances() map[string]float64 {
	index, err := l.readIndex()
	if err != nil {
		return map[string]float64{}
	}
	return index.Balances
}

// EntryCount returns the number of entries the index claims
func (l *Ledger) EntryCount() int {
	index, err := l.readIndex()
	if err != nil {
		return 0
	}
	return index.EntryCount
}

// GetEntry returns the entry at the given 1-based sequence number.
// Reads the entry file directly, independent of index state.
func (l *Ledger) GetEntry(num int) (*models.Entry, error) {
	data, err := os.ReadFile(l.entryPath(num))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, utils.NewAppError(utils.ErrCodeNotFound,
				fmt.Sprintf("Entry %d not found", num))
		}
		return nil, utils.NewAppError(utils.ErrCodeInternal,
			fmt.Sprintf("Failed to read entry %d", num), err.Error())
	}

	var entry models.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeIntegrity,
			fmt.Sprintf("Entry %d is not valid JSON", num), err.Error())
	}

	return &entry, nil
}

// CreateEntry constructs a new unsealed entry chained to the current head.
// The entry is not persisted until Append.
func (l *Ledger) CreateEntry(prNumber int, outcome, source string, distribution map[string]float64) *models.Entry {
	entry := &models.Entry{
		Version:      models.SchemaVersion,
		Kind:         models.KindCreditMint,
		PRNumber:     prNumber,
		Outcome:      outcome,
		Source:       source,
		Distribution: distribution,
		Timestamp:    utcNow(),
		PrevHash:     l.HeadHash(),
	}
	entry.Seal()
	return entry
}

// Append appends a verified entry to the ledger atomically and returns
// the entry filename. The entry file is durably placed before the index
// is rewritten, so a crash between the two leaves an orphan entry file
// that the pre-checks here and VerifyChain detect and RepairIndex heals.
// Append never repairs drift itself.
func (l *Ledger) Append(entry *models.Entry) (string, error) {
	if err := l.Init(); err != nil {
		return "", err
	}

	if !entry.Verify() {
		return "", utils.NewAppError(utils.ErrCodeIntegrity, "Entry hash verification failed",
			fmt.Sprintf("hash=%s", entry.ShortHash()))
	}

	headHash := l.HeadHash()
	if entry.PrevHash != headHash {
		return "", utils.NewAppError(utils.ErrCodeChainBroken, "Chain broken",
			fmt.Sprintf("entry.prev_hash=%s, head_hash=%s", entry.PrevHash, headHash))
	}

	index, err := l.readIndex()
	if err != nil {
		return "", err
	}

	numbers, err := l.listEntryNumbers()
	if err != nil {
		return "", err
	}
	if len(numbers) > 0 {
		if !isContiguous(numbers) || index.EntryCount != numbers[len(numbers)-1] {
			return "", utils.NewAppError(utils.ErrCodeOutOfSync,
				"Index is out of sync with entry files; run repair-index",
				fmt.Sprintf("index_count=%d, on_disk=%v", index.EntryCount, numbers))
		}
	} else if index.EntryCount != 0 {
		return "", utils.NewAppError(utils.ErrCodeOutOfSync,
			"Index indicates entries but none found; run repair-index",
			fmt.Sprintf("index_count=%d", index.EntryCount))
	}

	entryNum := index.EntryCount + 1
	entryPath := l.entryPath(entryNum)
	entryFilename := filepath.Base(entryPath)
	if _, err := os.Stat(entryPath); err == nil {
		return "", utils.NewAppError(utils.ErrCodeOutOfSync,
			"Entry file already exists; index is out of sync, run repair-index", entryFilename)
	}

	// New balances = old balances + entry distribution
	balances := make(map[string]float64, len(index.Balances)+len(entry.Distribution))
	for identity, credit := range index.Balances {
		balances[identity] = credit
	}
	for identity, credit := range entry.Distribution {
		balances[identity] += credit
	}

	// Entry file first, index second
	if err := l.writeFileAtomic(l.entriesDir, ".entry_", entryPath, entry); err != nil {
		return "", err
	}

	if err := l.writeIndex(&Index{
		Version:     IndexVersion,
		HeadHash:    entry.Hash,
		EntryCount:  entryNum,
		Balances:    balances,
		LastUpdated: utcNow(),
	}); err != nil {
		return "", err
	}

	l.logger.WithFields(logrus.Fields{
		"entry":  entryFilename,
		"hash":   entry.ShortHash(),
		"source": entry.Source,
	}).Info("Ledger entry appended")

	return entryFilename, nil
}

// VerifyChain verifies the entire chain, including index consistency:
//
//  1. Entry files form the contiguous range 1..n
//  2. Each entry's stored hash matches its content
//  3. Chain links are valid from the genesis sentinel
//  4. Index head_hash matches the last entry
//  5. Index entry_count matches actual files
//  6. Index balances match recomputed balances
//
// Returns nil on success, or a coded error for the first violation found.
func (l *Ledger) VerifyChain() error {
	numbers, err := l.listEntryNumbers()
	if err != nil {
		return err
	}
	if len(numbers) > 0 && !isContiguous(numbers) {
		return utils.NewAppError(utils.ErrCodeEntryGap, "Entry gap or extra file detected",
			fmt.Sprintf("expected 1..%d, found %v", numbers[len(numbers)-1], numbers))
	}

	prevHash := models.GenesisHash
	computedBalances := map[string]float64{}
	actualCount := 0

	it := l.Entries()
	for it.Next() {
		entry := it.Entry()
		actualCount++

		if !entry.Verify() {
			return utils.NewAppError(utils.ErrCodeIntegrity,
				fmt.Sprintf("Entry %d: hash mismatch", actualCount))
		}

		if entry.PrevHash != prevHash {
			return utils.NewAppError(utils.ErrCodeChainBroken,
				fmt.Sprintf("Entry %d: chain broken", actualCount),
				fmt.Sprintf("expected prev_hash=%s, got %s", prevHash, entry.PrevHash))
		}

		for identity, credit := range entry.Distribution {
			computedBalances[identity] += credit
		}

		prevHash = entry.Hash
	}
	if err := it.Err(); err != nil {
		return err
	}

	index, err := l.readIndex()
	if err != nil {
		if utils.HasCode(err, utils.ErrCodeNotFound) {
			// No index yet; the chain itself is consistent
			return nil
		}
		return err
	}

	if prevHash != index.HeadHash {
		return utils.NewAppError(utils.ErrCodeOutOfSync, "Head hash mismatch",
			fmt.Sprintf("index=%s, computed=%s", index.HeadHash, prevHash))
	}

	if actualCount != index.EntryCount {
		return utils.NewAppError(utils.ErrCodeOutOfSync, "Entry count mismatch",
			fmt.Sprintf("index=%d, actual=%d", index.EntryCount, actualCount))
	}

	if !balancesEqual(computedBalances, index.Balances) {
		return utils.NewAppError(utils.ErrCodeOutOfSync,
			"Balance drift detected (index and entries disagree)")
	}

	return nil
}

// RepairIndex rebuilds the index purely by replaying the entry files.
// Entry hashes and chain links are verified during the replay; repair
// fails without touching anything if any entry itself is invalid.
// Entry files are never modified.
func (l *Ledger) RepairIndex() (*Index, error) {
	numbers, err := l.listEntryNumbers()
	if err != nil {
		return nil, err
	}
	if len(numbers) > 0 && !isContiguous(numbers) {
		return nil, utils.NewAppError(utils.ErrCodeEntryGap,
			"Cannot repair: entry gap or extra file detected",
			fmt.Sprintf("expected 1..%d, found %v", numbers[len(numbers)-1], numbers))
	}

	prevHash := models.GenesisHash
	balances := map[string]float64{}
	count := 0

	it := l.Entries()
	for it.Next() {
		entry := it.Entry()

		if !entry.Verify() {
			return nil, utils.NewAppError(utils.ErrCodeIntegrity,
				fmt.Sprintf("Cannot repair: entry %d has invalid hash", count+1))
		}
		if entry.PrevHash != prevHash {
			return nil, utils.NewAppError(utils.ErrCodeChainBroken,
				fmt.Sprintf("Cannot repair: chain broken at entry %d", count+1),
				fmt.Sprintf("expected prev_hash=%s, got %s", prevHash, entry.PrevHash))
		}

		for identity, credit := range entry.Distribution {
			balances[identity] += credit
		}

		prevHash = entry.Hash
		count++
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	index := &Index{
		Version:     IndexVersion,
		HeadHash:    prevHash,
		EntryCount:  count,
		Balances:    balances,
		LastUpdated: utcNow(),
	}

	if err := l.writeIndex(index); err != nil {
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{
		"entry_count": count,
		"head_hash":   utils.TruncateHash(prevHash, models.DisplayHashLength),
	}).Info("Ledger index repaired")

	return index, nil
}

// FindBySource finds an entry by its source URL (the deduplication key).
// Linear scan; acceptable at the expected instance sizes.
func (l *Ledger) FindBySource(source string) (*models.Entry, error) {
	it := l.Entries()
	for it.Next() {
		if it.Entry().Source == source {
			return it.Entry(), nil
		}
	}
	return nil, it.Err()
}

// FindByCommentID finds an entry by its GitHub comment ID
func (l *Ledger) FindByCommentID(commentID int64) (*models.Entry, error) {
	it := l.Entries()
	for it.Next() {
		if it.Entry().CommentID == commentID {
			return it.Entry(), nil
		}
	}
	return nil, it.Err()
}

// LastCommentID returns the highest comment ID recorded across local
// entries, or 0 when none carry one. Used as the incremental fetch cursor.
func (l *Ledger) LastCommentID() (int64, error) {
	var last int64
	it := l.Entries()
	for it.Next() {
		if id := it.Entry().CommentID; id > last {
			last = id
		}
	}
	return last, it.Err()
}

func (l *Ledger) readIndex() (*Index, error) {
	data, err := os.ReadFile(l.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, utils.NewAppError(utils.ErrCodeNotFound, "Ledger index does not exist", l.indexPath)
		}
		return nil, utils.NewAppError(utils.ErrCodeInternal, "Failed to read ledger index", err.Error())
	}

	var index Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeIntegrity, "Ledger index is not valid JSON", err.Error())
	}
	if index.Balances == nil {
		index.Balances = map[string]float64{}
	}

	return &index, nil
}

func (l *Ledger) writeIndex(index *Index) error {
	return l.writeFileAtomic(l.dir, ".index_", l.indexPath, index)
}

// writeFileAtomic writes v as indented JSON to a temp file in dir and
// renames it into place, so no partial file is ever visible under the
// final name.
func (l *Ledger) writeFileAtomic(dir, prefix, path string, v interface{}) error {
	tmp, err := os.CreateTemp(dir, prefix+"*.json")
	if err != nil {
		return utils.NewAppError(utils.ErrCodeInternal, "Failed to create temp file", err.Error())
	}
	tmpPath := tmp.Name()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return utils.NewAppError(utils.ErrCodeInternal, "Failed to encode JSON", err.Error())
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return utils.NewAppError(utils.ErrCodeInternal, "Failed to write temp file", err.Error())
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return utils.NewAppError(utils.ErrCodeInternal, "Failed to close temp file", err.Error())
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return utils.NewAppError(utils.ErrCodeInternal, "Failed to rename temp file", err.Error())
	}

	return nil
}

func (l *Ledger) entryPath(num int) string {
	return filepath.Join(l.entriesDir, fmt.Sprintf("%04d.json", num))
}

// listEntryNumbers lists numeric entry filenames present on disk, sorted
// ascending. Non-numeric files (including in-flight temp files) are ignored.
func (l *Ledger) listEntryNumbers() ([]int, error) {
	dirEntries, err := os.ReadDir(l.entriesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, utils.NewAppError(utils.ErrCodeInternal, "Failed to list entries directory", err.Error())
	}

	var numbers []int
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		num, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		numbers = append(numbers, num)
	}

	sort.Ints(numbers)
	return numbers, nil
}

func isContiguous(numbers []int) bool {
	for i, num := range numbers {
		if num != i+1 {
			return false
		}
	}
	return true
}

func balancesEqual(a, b map[string]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for identity, credit := range a {
		other, ok := b[identity]
		if !ok || other != credit {
			return false
		}
	}
	return true
}

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}
