package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PRInfo is the information about a pull request the credit pipeline needs
type PRInfo struct {
	Number    int      `json:"number"`
	Title     string   `json:"title"`
	Author    string   `json:"author"`
	Reviewers []string `json:"reviewers"`
	Approvers []string `json:"approvers"`
	URL       string   `json:"url"`
	RepoOwner string   `json:"repo_owner"`
	RepoName  string   `json:"repo_name"`
	Merged    bool     `json:"merged"`
	MergedAt  string   `json:"merged_at,omitempty"`
}

// RepoFullName returns "owner/repo"
func (p *PRInfo) RepoFullName() string {
	return fmt.Sprintf("%s/%s", p.RepoOwner, p.RepoName)
}

// webhookPayload mirrors the subset of a GitHub pull_request webhook
// event this system cares about.
type webhookPayload struct {
	Action      string `json:"action"`
	PullRequest *struct {
		Number   int    `json:"number"`
		Title    string `json:"title"`
		Merged   bool   `json:"merged"`
		MergedAt string `json:"merged_at"`
		HTMLURL  string `json:"html_url"`
		User     struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"pull_request"`
	Repository *struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// ParseWebhookPayload parses a GitHub webhook payload for merged-PR
// events. Returns nil for any other event; reviewer and approver lists
// are left empty because webhook payloads do not carry review data.
func ParseWebhookPayload(payload []byte) *PRInfo {
	var event webhookPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil
	}

	if event.PullRequest == nil || event.Repository == nil {
		return nil
	}
	if event.Action != "closed" || !event.PullRequest.Merged {
		return nil
	}

	repoParts := strings.SplitN(event.Repository.FullName, "/", 2)
	if len(repoParts) != 2 {
		return nil
	}

	return &PRInfo{
		Number:    event.PullRequest.Number,
		Title:     event.PullRequest.Title,
		Author:    event.PullRequest.User.Login,
		Reviewers: []string{},
		Approvers: []string{},
		URL:       event.PullRequest.HTMLURL,
		RepoOwner: repoParts[0],
		RepoName:  repoParts[1],
		Merged:    true,
		MergedAt:  event.PullRequest.MergedAt,
	}
}
