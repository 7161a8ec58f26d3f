package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/consilium-dev/consilium/pkg/utils"
)

// Markers delimiting the machine-readable block in a ledger comment
const (
	CommentBegin = "<!-- CONSILIUM:BEGIN -->"
	CommentEnd   = "<!-- CONSILIUM:END -->"
)

// GenesisHash is the prev_hash sentinel for the first chain entry
const GenesisHash = "genesis"

// SchemaVersion is the current entry format version
const SchemaVersion = "0.1"

// KindCreditMint is the only entry kind minted today
const KindCreditMint = "credit_mint"

// OutcomePRMerged tags credit minted for a merged pull request
const OutcomePRMerged = "pr_merged"

// DisplayHashLength is the truncation used in rendered comments.
// Storage and comparison always use the full hash.
const DisplayHashLength = 16

var commentPayloadPattern = regexp.MustCompile(
	`(?s)` + regexp.QuoteMeta(CommentBegin) + "\\s*```json\\s*(\\{.*?\\})\\s*```\\s*" + regexp.QuoteMeta(CommentEnd),
)

// Entry is a single immutable credit-distribution record in the ledger.
// Hash covers every field except Hash itself and CommentID.
type Entry struct {
	Version      string             `json:"version"`
	Kind         string             `json:"type"`
	PRNumber     int                `json:"pr_number"`
	Outcome      string             `json:"outcome"`
	Source       string             `json:"source"`
	Distribution map[string]float64 `json:"distribution"`
	Timestamp    string             `json:"timestamp"`
	PrevHash     string             `json:"prev_hash"`
	Hash         string             `json:"hash"`
	CommentID    int64              `json:"comment_id,omitempty"`
}

// canonicalEntry fixes the hashed field set and its serialization order.
// Distribution keys are sorted by encoding/json, so two logically equal
// entries always produce identical bytes.
type canonicalEntry struct {
	Version      string             `json:"version"`
	Kind         string             `json:"type"`
	PRNumber     int                `json:"pr_number"`
	Outcome      string             `json:"outcome"`
	Source       string             `json:"source"`
	Distribution map[string]float64 `json:"distribution"`
	Timestamp    string             `json:"timestamp"`
	PrevHash     string             `json:"prev_hash"`
}

// ComputeHash computes the full SHA-256 hash of the entry's canonical content
func (e *Entry) ComputeHash() string {
	canonical := canonicalEntry{
		Version:      e.Version,
		Kind:         e.Kind,
		PRNumber:     e.PRNumber,
		Outcome:      e.Outcome,
		Source:       e.Source,
		Distribution: e.Distribution,
		Timestamp:    e.Timestamp,
		PrevHash:     e.PrevHash,
	}

	// Marshal of a fixed struct cannot fail here
	content, _ := json.Marshal(canonical)
	return utils.SHA256Hex(content)
}

// Seal fills in the entry hash from its content if not already set
func (e *Entry) Seal() {
	if e.Hash == "" {
		e.Hash = e.ComputeHash()
	}
}

// Verify reports whether the stored hash matches the recomputed content hash
func (e *Entry) Verify() bool {
	return e.Hash == e.ComputeHash()
}

// ShortHash returns the truncated hash for display
func (e *Entry) ShortHash() string {
	return utils.TruncateHash(e.Hash, DisplayHashLength)
}

// ShortPrevHash returns the truncated prev_hash for display
func (e *Entry) ShortPrevHash() string {
	return utils.TruncateHash(e.PrevHash, 8)
}

// TotalCredit sums the entry's distribution
func (e *Entry) TotalCredit() float64 {
	var total float64
	for _, credit := range e.Distribution {
		total += credit
	}
	return total
}

// PayloadJSON generates the canonical JSON payload embedded in a comment.
// Keys are sorted for stable output; the full hash is included.
func (e *Entry) PayloadJSON() string {
	payload := map[string]interface{}{
		"version":      e.Version,
		"type":         e.Kind,
		"pr_number":    e.PRNumber,
		"outcome":      e.Outcome,
		"source":       e.Source,
		"distribution": e.Distribution,
		"timestamp":    e.Timestamp,
		"prev_hash":    e.PrevHash,
		"hash":         e.Hash,
	}

	data, _ := json.MarshalIndent(payload, "", "  ")
	return string(data)
}

// CommentBody renders the full comment: machine-readable payload between
// markers followed by a human-readable summary table.
func (e *Entry) CommentBody() string {
	var b strings.Builder

	b.WriteString(CommentBegin + "\n")
	b.WriteString("```json\n")
	b.WriteString(e.PayloadJSON() + "\n")
	b.WriteString("```\n")
	b.WriteString(CommentEnd + "\n")
	b.WriteString("\n")
	b.WriteString("## 🏆 Consilium Credit Distribution\n\n")
	b.WriteString(fmt.Sprintf("**Outcome**: `%s`\n", e.Outcome))
	b.WriteString(fmt.Sprintf("**PR**: #%d\n", e.PRNumber))
	b.WriteString(fmt.Sprintf("**Total Credit**: %.1f\n\n", e.TotalCredit()))
	b.WriteString("| Contributor | Credit |\n")
	b.WriteString("|-------------|--------|\n")

	for _, username := range sortedByCredit(e.Distribution) {
		b.WriteString(fmt.Sprintf("| @%s | %.1f |\n", username, e.Distribution[username]))
	}

	b.WriteString("\n---\n")
	b.WriteString(fmt.Sprintf("*Hash: `%s...` | Prev: `%s...`*\n", e.ShortHash(), e.ShortPrevHash()))
	b.WriteString("*Credit is earned, not given. Verified by outcomes, not votes.*")

	return b.String()
}

// payloadKeys are the keys every entry payload must carry. A payload
// missing any of them is not an entry, whatever else it contains.
var payloadKeys = []string{
	"version", "type", "pr_number", "outcome", "source",
	"distribution", "timestamp", "prev_hash", "hash",
}

// ParseComment extracts a ledger entry from a comment body. Returns nil
// if the body contains no well-formed entry payload; malformed content
// never surfaces as an error to the caller.
func ParseComment(body string) *Entry {
	match := commentPayloadPattern.FindStringSubmatch(body)
	if match == nil {
		return nil
	}

	// Key presence is checked on the raw object: zero values like
	// pr_number=0 or outcome="" are indistinguishable from absence once
	// decoded into the struct.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(match[1]), &raw); err != nil {
		return nil
	}
	for _, key := range payloadKeys {
		if _, ok := raw[key]; !ok {
			return nil
		}
	}

	var entry Entry
	if err := json.Unmarshal([]byte(match[1]), &entry); err != nil {
		return nil
	}
	if entry.Distribution == nil {
		return nil
	}

	return &entry
}

// sortedByCredit orders usernames by credit descending, username ascending on ties
func sortedByCredit(distribution map[string]float64) []string {
	usernames := make([]string, 0, len(distribution))
	for username := range distribution {
		usernames = append(usernames, username)
	}
	sort.Slice(usernames, func(i, j int) bool {
		if distribution[usernames[i]] != distribution[usernames[j]] {
			return distribution[usernames[i]] > distribution[usernames[j]]
		}
		return usernames[i] < usernames[j]
	})
	return usernames
}
