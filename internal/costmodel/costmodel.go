// Package costmodel holds the pure pricing functions behind batch aggregates:
// per-entry resource cost, batching savings and incentive rewards.
package costmodel

import (
	"fmt"

	"github.com/kursadbilgin/batch-engine/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	defaultUnitCost       = 1000
	defaultMarginalCost   = 200
	defaultAmountCostRate = 0.1
	defaultBatchFactor    = 1.25
	rewardPrecision       = 3
	// MinBatchSize is the smallest entry count that earns batch reward factors.
	MinBatchSize = 2
)

var (
	defaultScaleFactor = decimal.NewFromInt(100)
	defaultRewardCap   = decimal.NewFromInt(10)
	defaultBonusRate   = decimal.RequireFromString("0.20")
)

// Model is the set of constants the cost and reward functions run on.
// The zero value is not usable; start from Default.
type Model struct {
	UnitCost        float64
	MarginalCost    float64
	AmountCostRate  float64
	BaseCosts       map[domain.OperationKind]float64
	BaseRewardRates map[domain.OperationKind]decimal.Decimal
	TierMultipliers map[domain.Tier]float64
	// ScaleFactor and RewardCap bound the amount term: min(amount/ScaleFactor, RewardCap).
	ScaleFactor      decimal.Decimal
	RewardCap        decimal.Decimal
	BatchFactor      float64
	BatchBonusRate   decimal.Decimal
	DefaultBaseCost  float64
	DefaultBaseRate  decimal.Decimal
	DefaultTierBoost float64
}

func Default() Model {
	return Model{
		UnitCost:       defaultUnitCost,
		MarginalCost:   defaultMarginalCost,
		AmountCostRate: defaultAmountCostRate,
		BaseCosts: map[domain.OperationKind]float64{
			domain.OperationTransfer:        1000,
			domain.OperationStake:           1000,
			domain.OperationTokenTransfer:   2000,
			domain.OperationCustomOperation: 1000,
		},
		BaseRewardRates: map[domain.OperationKind]decimal.Decimal{
			domain.OperationTransfer:        decimal.NewFromInt(1),
			domain.OperationStake:           decimal.NewFromInt(2),
			domain.OperationTokenTransfer:   decimal.NewFromInt(1),
			domain.OperationCustomOperation: decimal.RequireFromString("0.5"),
		},
		TierMultipliers: map[domain.Tier]float64{
			domain.TierProfessional:     1.0,
			domain.TierEnterprise:       1.5,
			domain.TierBusinessCritical: 2.0,
		},
		ScaleFactor:      defaultScaleFactor,
		RewardCap:        defaultRewardCap,
		BatchFactor:      defaultBatchFactor,
		BatchBonusRate:   defaultBonusRate,
		DefaultBaseCost:  defaultUnitCost,
		DefaultBaseRate:  decimal.NewFromInt(1),
		DefaultTierBoost: 1.0,
	}
}

func (m Model) Validate() error {
	if m.UnitCost < 0 || m.MarginalCost < 0 {
		return fmt.Errorf("unit and marginal cost must be >= 0")
	}
	if m.MarginalCost > m.UnitCost {
		return fmt.Errorf("marginal cost %.2f exceeds unit cost %.2f", m.MarginalCost, m.UnitCost)
	}
	if m.AmountCostRate < 0 {
		return fmt.Errorf("amount cost rate must be >= 0")
	}
	if !m.ScaleFactor.IsPositive() {
		return fmt.Errorf("reward scale factor must be > 0")
	}
	if m.RewardCap.IsNegative() {
		return fmt.Errorf("reward cap must be >= 0")
	}
	if m.BatchFactor < 1 {
		return fmt.Errorf("batch factor must be >= 1")
	}
	if m.BatchBonusRate.IsNegative() {
		return fmt.Errorf("batch bonus rate must be >= 0")
	}
	for tier, multiplier := range m.TierMultipliers {
		if multiplier < 1 {
			return fmt.Errorf("tier %s multiplier must be >= 1", tier)
		}
	}
	return nil
}

// EntryResourceCost is baseCost(kind) + amount*AmountCostRate; negative amounts price as zero.
func (m Model) EntryResourceCost(kind domain.OperationKind, amount decimal.Decimal) float64 {
	base, ok := m.BaseCosts[kind]
	if !ok {
		base = m.DefaultBaseCost
	}
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	return base + amount.InexactFloat64()*m.AmountCostRate
}

func (m Model) IndividualCost(n int) float64 {
	if n <= 0 {
		return 0
	}
	return float64(n) * m.UnitCost
}

func (m Model) BatchedCost(n int) float64 {
	if n <= 0 {
		return 0
	}
	return m.UnitCost + float64(n-1)*m.MarginalCost
}

func (m Model) SavingsForCount(n int) float64 {
	return m.IndividualCost(n) - m.BatchedCost(n)
}

func (m Model) BatchSavings(entries []domain.BatchEntry) float64 {
	return m.SavingsForCount(len(entries))
}

func (m Model) RewardForEntry(
	kind domain.OperationKind,
	amount decimal.Decimal,
	tier domain.Tier,
	isBatch bool,
) (decimal.Decimal, float64) {
	rate, ok := m.BaseRewardRates[kind]
	if !ok {
		rate = m.DefaultBaseRate
	}
	tierMultiplier, ok := m.TierMultipliers[tier]
	if !ok {
		tierMultiplier = m.DefaultTierBoost
	}

	multiplier := tierMultiplier
	if isBatch {
		multiplier *= m.BatchFactor
	}

	if amount.IsNegative() {
		amount = decimal.Zero
	}
	scaled := amount.Div(m.ScaleFactor)
	if scaled.GreaterThan(m.RewardCap) {
		scaled = m.RewardCap
	}

	reward := rate.Mul(scaled).Mul(decimal.NewFromFloat(multiplier)).Round(rewardPrecision)
	return reward, multiplier
}

// BatchBonus is applied once per batch on top of the summed entry rewards.
func (m Model) BatchBonus(totalEntryRewards decimal.Decimal) decimal.Decimal {
	if !totalEntryRewards.IsPositive() {
		return decimal.Zero
	}
	return totalEntryRewards.Mul(m.BatchBonusRate).Truncate(rewardPrecision)
}
