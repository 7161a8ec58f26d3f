package github

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/consilium-dev/consilium/internal/models"
	"github.com/consilium-dev/consilium/pkg/utils"
)

type pullRequest struct {
	Number   int    `json:"number"`
	Title    string `json:"title"`
	HTMLURL  string `json:"html_url"`
	Merged   bool   `json:"merged"`
	MergedAt string `json:"merged_at"`
	User     struct {
		Login string `json:"login"`
	} `json:"user"`
}

type review struct {
	State string `json:"state"`
	User  *struct {
		Login string `json:"login"`
	} `json:"user"`
}

// GetPRInfo fetches a pull request's details and contributor roles.
//
// Roles are derived from the latest meaningful review state per user,
// not "any approval ever": a user who approved and then requested
// changes is a reviewer but not an approver. Self-reviews are ignored.
func (c *Client) GetPRInfo(ctx context.Context, prNumber int) (*models.PRInfo, error) {
	body, err := c.do(ctx, "GET",
		fmt.Sprintf("/repos/%s/%s/pulls/%d", c.config.Owner, c.config.Repo, prNumber), nil, nil)
	if err != nil {
		return nil, err
	}

	var pr pullRequest
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeTransport,
			"Failed to decode pull request", err.Error())
	}

	pages, err := c.getPaginated(ctx,
		fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews", c.config.Owner, c.config.Repo, prNumber), nil)
	if err != nil {
		return nil, err
	}

	// Reviews arrive in chronological order; later states override earlier
	latestState := map[string]string{}
	for _, raw := range pages {
		var rv review
		if err := json.Unmarshal(raw, &rv); err != nil {
			continue
		}
		if rv.User == nil || rv.User.Login == pr.User.Login {
			continue
		}
		switch rv.State {
		case "APPROVED", "CHANGES_REQUESTED", "DISMISSED":
			latestState[rv.User.Login] = rv.State
		}
	}

	var reviewers, approvers []string
	for user, state := range latestState {
		reviewers = append(reviewers, user)
		if state == "APPROVED" {
			approvers = append(approvers, user)
		}
	}
	sort.Strings(reviewers)
	sort.Strings(approvers)

	return &models.PRInfo{
		Number:    pr.Number,
		Title:     pr.Title,
		Author:    pr.User.Login,
		Reviewers: reviewers,
		Approvers: approvers,
		URL:       pr.HTMLURL,
		RepoOwner: c.config.Owner,
		RepoName:  c.config.Repo,
		Merged:    pr.Merged,
		MergedAt:  pr.MergedAt,
	}, nil
}
