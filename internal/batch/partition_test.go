package batch

import (
	"reflect"
	"testing"

	"github.com/kursadbilgin/batch-engine/internal/domain"
)

func TestExecutionOrderIsStableByCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		categories []string
		want       []int
	}{
		{name: "empty", categories: nil, want: []int{}},
		{name: "single category", categories: []string{"A", "A", "A"}, want: []int{0, 1, 2}},
		{name: "interleaved", categories: []string{"A", "B", "A", "C"}, want: []int{0, 2, 1, 3}},
		{name: "first seen wins", categories: []string{"C", "A", "C", "B", "A"}, want: []int{0, 2, 1, 4, 3}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			entries := make([]domain.BatchEntry, 0, len(tt.categories))
			for _, c := range tt.categories {
				entries = append(entries, domain.BatchEntry{Category: c})
			}

			got := ExecutionOrder(entries)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("ExecutionOrder() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPartitionByCategoryGroups(t *testing.T) {
	t.Parallel()

	entries := []domain.BatchEntry{{Category: "payroll"}, {Category: "vendors"}, {Category: "payroll"}}
	groups := PartitionByCategory(entries)

	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if groups[0].Category != "payroll" || !reflect.DeepEqual(groups[0].Indexes, []int{0, 2}) {
		t.Fatalf("first group = %+v", groups[0])
	}
	if groups[1].Category != "vendors" || !reflect.DeepEqual(groups[1].Indexes, []int{1}) {
		t.Fatalf("second group = %+v", groups[1])
	}
}
