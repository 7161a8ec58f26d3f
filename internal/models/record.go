package models

// CommentRecord is one unit of the authoritative upstream stream: a
// GitHub comment carrying (or failing to carry) a ledger entry payload.
type CommentRecord struct {
	CommentID int64  `json:"comment_id"`
	PRNumber  int    `json:"pr_number"`
	CreatedAt string `json:"created_at"`
	URL       string `json:"url"`
	Entry     *Entry `json:"entry,omitempty"`
}
