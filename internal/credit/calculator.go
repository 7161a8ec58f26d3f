// Package credit computes credit distributions for externally verifiable
// outcomes. Credit is minted when outcomes occur; distribution follows
// configurable share-based rules per contributor role.
package credit

import (
	"fmt"
	"math"

	"github.com/consilium-dev/consilium/internal/config"
	"github.com/consilium-dev/consilium/internal/models"
	"github.com/consilium-dev/consilium/pkg/utils"
)

// Rule defines how credit for one outcome type is split between roles.
// Shares are fractions of the total and must sum to 1.
type Rule struct {
	Total         float64
	AuthorShare   float64
	ReviewerShare float64
	ApproverShare float64
}

// Validate checks that the rule's shares sum to 1
func (r Rule) Validate() error {
	total := r.AuthorShare + r.ReviewerShare + r.ApproverShare
	if math.Abs(total-1.0) > 0.001 {
		return utils.NewAppError(utils.ErrCodeValidation,
			fmt.Sprintf("Shares must sum to 1.0, got %g", total))
	}
	return nil
}

// DefaultRules returns the v0.1 credit rules
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		models.OutcomePRMerged: {
			Total:         100,
			AuthorShare:   0.5,
			ReviewerShare: 0.3,
			ApproverShare: 0.2,
		},
	}
}

// Calculator calculates credit distributions for outcomes
type Calculator struct {
	rules map[string]Rule
}

// NewCalculator creates a calculator with the given rules, or the
// defaults when rules is nil.
func NewCalculator(rules map[string]Rule) (*Calculator, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	for outcome, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeConfiguration,
				fmt.Sprintf("Invalid credit rule for %s", outcome), err.Error())
		}
	}
	return &Calculator{rules: rules}, nil
}

// NewCalculatorFromConfig builds a calculator from the loaded configuration
func NewCalculatorFromConfig(cfg *config.CreditConfig) (*Calculator, error) {
	return NewCalculator(map[string]Rule{
		models.OutcomePRMerged: {
			Total:         cfg.PRMerged.Total,
			AuthorShare:   cfg.PRMerged.AuthorShare,
			ReviewerShare: cfg.PRMerged.ReviewerShare,
			ApproverShare: cfg.PRMerged.ApproverShare,
		},
	})
}

// Rule returns the credit rule for an outcome type
func (c *Calculator) Rule(outcome string) (Rule, error) {
	rule, ok := c.rules[outcome]
	if !ok {
		return Rule{}, utils.NewAppError(utils.ErrCodeConfiguration,
			fmt.Sprintf("No credit rule defined for %s", outcome))
	}
	return rule, nil
}

// PRMerged calculates the credit distribution for a merged PR.
// Reviewers and approvers split their role's share equally; when a role
// has no members its share goes to the author.
func (c *Calculator) PRMerged(author string, reviewers, approvers []string) (map[string]float64, error) {
	rule, err := c.Rule(models.OutcomePRMerged)
	if err != nil {
		return nil, err
	}

	distribution := map[string]float64{
		author: rule.Total * rule.AuthorShare,
	}

	if len(reviewers) > 0 {
		each := rule.Total * rule.ReviewerShare / float64(len(reviewers))
		for _, reviewer := range reviewers {
			distribution[reviewer] += each
		}
	} else {
		distribution[author] += rule.Total * rule.ReviewerShare
	}

	if len(approvers) > 0 {
		each := rule.Total * rule.ApproverShare / float64(len(approvers))
		for _, approver := range approvers {
			distribution[approver] += each
		}
	} else {
		distribution[author] += rule.Total * rule.ApproverShare
	}

	return distribution, nil
}
