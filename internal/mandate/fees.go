package mandate

import (
	"fmt"
	"strings"

	"agentex/internal/domain"
)

// Fees is a payment provider's fee schedule. Percentages are 0-100 values.
type Fees struct {
	BaseFeePercent  float64
	CategoryRewards map[string]float64
}

// RewardPercent returns the reward for a work category, falling back to "default".
func (f Fees) RewardPercent(category string) float64 {
	if pct, ok := f.CategoryRewards[strings.ToLower(category)]; ok {
		return pct
	}
	return f.CategoryRewards["default"]
}

// NetFeePercent is the fee minus the category reward; negative means cashback.
func (f Fees) NetFeePercent(category string) float64 {
	return f.BaseFeePercent - f.RewardPercent(category)
}

// LineItems itemizes a base amount: the base, a processing fee and a negative
// category reward. Each line is rounded to the cent on its own.
func LineItems(base domain.Cents, feePercent, rewardPercent float64) []domain.LineItem {
	items := []domain.LineItem{{Label: "Service", Kind: domain.LineBase, Amount: base}}
	if feePercent != 0 {
		items = append(items, domain.LineItem{
			Label:  fmt.Sprintf("Processing fee (%s%%)", trimPct(feePercent)),
			Kind:   domain.LineFee,
			Amount: base.Percent(feePercent),
		})
	}
	if rewardPercent != 0 {
		items = append(items, domain.LineItem{
			Label:  fmt.Sprintf("Category reward (%s%%)", trimPct(rewardPercent)),
			Kind:   domain.LineReward,
			Amount: -base.Percent(rewardPercent),
		})
	}
	return items
}

// ItemsFor itemizes base using the schedule for a work category.
func (f Fees) ItemsFor(base domain.Cents, category string) []domain.LineItem {
	return LineItems(base, f.BaseFeePercent, f.RewardPercent(category))
}

func trimPct(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

func sumKind(items []domain.LineItem, kind domain.LineKind) domain.Cents {
	var total domain.Cents
	for _, it := range items {
		if it.Kind == kind {
			total += it.Amount
		}
	}
	return total
}
