package credit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consilium-dev/consilium/internal/config"
	"github.com/consilium-dev/consilium/pkg/utils"
)

func newDefaultCalculator(t *testing.T) *Calculator {
	t.Helper()
	c, err := NewCalculator(nil)
	require.NoError(t, err)
	return c
}

func TestPRMergedFullRoles(t *testing.T) {
	c := newDefaultCalculator(t)

	distribution, err := c.PRMerged("alice", []string{"bob", "carol"}, []string{"dave"})
	require.NoError(t, err)

	assert.Equal(t, map[string]float64{
		"alice": 50.0,
		"bob":   15.0,
		"carol": 15.0,
		"dave":  20.0,
	}, distribution)
}

func TestPRMergedNoReviewersOrApprovers(t *testing.T) {
	c := newDefaultCalculator(t)

	distribution, err := c.PRMerged("alice", nil, nil)
	require.NoError(t, err)

	// Unclaimed role shares fall back to the author
	assert.Equal(t, map[string]float64{"alice": 100.0}, distribution)
}

func TestPRMergedReviewersOnly(t *testing.T) {
	c := newDefaultCalculator(t)

	distribution, err := c.PRMerged("alice", []string{"bob"}, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]float64{
		"alice": 70.0,
		"bob":   30.0,
	}, distribution)
}

func TestPRMergedReviewerIsAlsoApprover(t *testing.T) {
	c := newDefaultCalculator(t)

	distribution, err := c.PRMerged("alice", []string{"bob"}, []string{"bob"})
	require.NoError(t, err)

	// Shares from both roles accumulate on the same identity
	assert.Equal(t, map[string]float64{
		"alice": 50.0,
		"bob":   50.0,
	}, distribution)
}

func TestPRMergedTotalIsConserved(t *testing.T) {
	c := newDefaultCalculator(t)

	distribution, err := c.PRMerged("alice", []string{"bob", "carol", "dave"}, []string{"eve", "frank"})
	require.NoError(t, err)

	var total float64
	for _, credit := range distribution {
		total += credit
	}
	assert.InDelta(t, 100.0, total, 0.000001)
}

func TestRuleValidation(t *testing.T) {
	assert.NoError(t, Rule{Total: 100, AuthorShare: 0.5, ReviewerShare: 0.3, ApproverShare: 0.2}.Validate())
	assert.NoError(t, Rule{Total: 100, AuthorShare: 1.0}.Validate())

	err := Rule{Total: 100, AuthorShare: 0.5, ReviewerShare: 0.3, ApproverShare: 0.3}.Validate()
	require.Error(t, err)
	assert.Equal(t, utils.ErrCodeValidation, utils.ErrorCode(err))
}

func TestNewCalculatorRejectsBadRules(t *testing.T) {
	_, err := NewCalculator(map[string]Rule{
		"pr_merged": {Total: 100, AuthorShare: 0.9, ReviewerShare: 0.9},
	})
	require.Error(t, err)
	assert.Equal(t, utils.ErrCodeConfiguration, utils.ErrorCode(err))
}

func TestRuleLookupUnknownOutcome(t *testing.T) {
	c := newDefaultCalculator(t)

	_, err := c.Rule("issue_closed")
	require.Error(t, err)
	assert.Equal(t, utils.ErrCodeConfiguration, utils.ErrorCode(err))
}

func TestNewCalculatorFromConfig(t *testing.T) {
	c, err := NewCalculatorFromConfig(&config.CreditConfig{
		PRMerged: config.CreditRuleConfig{
			Total:         40,
			AuthorShare:   0.25,
			ReviewerShare: 0.25,
			ApproverShare: 0.5,
		},
	})
	require.NoError(t, err)

	distribution, err := c.PRMerged("alice", []string{"bob"}, []string{"carol"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{
		"alice": 10.0,
		"bob":   10.0,
		"carol": 20.0,
	}, distribution)
}
