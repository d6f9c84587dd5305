package batch

import (
	"github.com/kursadbilgin/batch-engine/internal/costmodel"
	"github.com/kursadbilgin/batch-engine/internal/domain"
	"github.com/shopspring/decimal"
)

// Recompute rebuilds every derived field of b from its current entries.
// It never reads the previous aggregate values, so calling it twice yields the same result.
func Recompute(b *domain.Batch, model costmodel.Model, tier domain.Tier) {
	if b == nil {
		return
	}

	isBatch := len(b.Entries) >= costmodel.MinBatchSize

	totalAmount := decimal.Zero
	totalEntryRewards := decimal.Zero
	totalResourceCost := 0.0
	for i := range b.Entries {
		entry := &b.Entries[i]
		entry.RewardAmount, entry.RewardMultiplier = model.RewardForEntry(entry.Kind, entry.Amount, tier, isBatch)

		totalAmount = totalAmount.Add(entry.Amount)
		totalResourceCost += entry.ResourceCost
		totalEntryRewards = totalEntryRewards.Add(entry.RewardAmount)
	}

	bonus := decimal.Zero
	if isBatch {
		bonus = model.BatchBonus(totalEntryRewards)
	}

	b.TotalAmount = totalAmount
	b.TotalResourceCost = totalResourceCost
	b.EstimatedSavings = model.BatchSavings(b.Entries)
	b.RewardBonus = bonus
	b.TotalReward = totalEntryRewards.Add(bonus)
}

func ActualCost(b *domain.Batch) float64 {
	total := 0.0
	for i := range b.Entries {
		if b.Entries[i].Status == domain.EntryStatusCompleted {
			total += b.Entries[i].ResourceCost
		}
	}
	return total
}
