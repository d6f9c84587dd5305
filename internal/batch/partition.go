package batch

import "github.com/kursadbilgin/batch-engine/internal/domain"

type CategoryGroup struct {
	Category string
	// Indexes point into the source entry slice, in original order.
	Indexes []int
}

// PartitionByCategory is a stable partition: categories appear in first-seen order and
// entries keep their relative order within a category.
func PartitionByCategory(entries []domain.BatchEntry) []CategoryGroup {
	categories := make([]string, 0)
	seen := make(map[string]struct{})
	for i := range entries {
		category := entries[i].Category
		if _, ok := seen[category]; ok {
			continue
		}
		seen[category] = struct{}{}
		categories = append(categories, category)
	}

	groups := make([]CategoryGroup, 0, len(categories))
	for _, category := range categories {
		group := CategoryGroup{Category: category}
		for i := range entries {
			if entries[i].Category == category {
				group.Indexes = append(group.Indexes, i)
			}
		}
		groups = append(groups, group)
	}

	return groups
}

func ExecutionOrder(entries []domain.BatchEntry) []int {
	order := make([]int, 0, len(entries))
	for _, group := range PartitionByCategory(entries) {
		order = append(order, group.Indexes...)
	}
	return order
}
