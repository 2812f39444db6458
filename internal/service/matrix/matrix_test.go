package matrix

import (
	"sort"
	"testing"

	"github.com/safesection/backend/internal/model"
	"github.com/safesection/backend/internal/service/statemachine"
	"github.com/stretchr/testify/assert"
)

func TestAssembleCoversEveryFixedCategory(t *testing.T) {
	records := []model.CategoryRecord{
		{
			RunRef:         "run-1",
			Category:       string(model.CategoryElectrical),
			Codes:          `["UFGS-26-05-00","UFGS-26-20-00"]`,
			HazardStatus:   string(statemachine.TrackStatusComplete),
			PlanStatus:     string(statemachine.TrackStatusComplete),
			ProjectCount:   2,
			ReferenceCount: 3,
		},
		{
			RunRef:       "run-1",
			Category:     string(model.CategoryFallProtection),
			Codes:        `["UFGS-05-50-13"]`,
			HazardStatus: string(statemachine.TrackStatusComplete),
			PlanStatus:   string(statemachine.TrackStatusPending),
		},
	}

	m := Assemble("run-1", records)
	assert.Len(t, m.Rows, len(model.Categories))

	rows := make(map[string]Row, len(m.Rows))
	for _, row := range m.Rows {
		rows[row.Category] = row
	}

	electrical := rows[string(model.CategoryElectrical)]
	assert.Equal(t, []string{"UFGS-26-05-00", "UFGS-26-20-00"}, electrical.Codes)
	assert.False(t, electrical.OpenHazard)
	assert.False(t, electrical.OpenPlan)
	assert.Equal(t, 2, electrical.ProjectCount)
	assert.Equal(t, 3, electrical.ReferenceCount)

	fall := rows[string(model.CategoryFallProtection)]
	assert.False(t, fall.OpenHazard)
	assert.True(t, fall.OpenPlan)

	// 未映射到任何编码的类别: 空行, not_required, 不计为未闭合
	crane := rows[string(model.CategoryCranesRigging)]
	assert.Equal(t, string(statemachine.TrackStatusNotRequired), crane.HazardStatus)
	assert.Equal(t, string(statemachine.TrackStatusNotRequired), crane.PlanStatus)
	assert.Empty(t, crane.Codes)
	assert.False(t, crane.OpenHazard)

	assert.Equal(t, 1, m.OpenCount)
	assert.Equal(t, 1, m.PendingCount)
}

func TestAssembleDeterministicOrder(t *testing.T) {
	records := []model.CategoryRecord{
		{Category: string(model.CategoryFallProtection), HazardStatus: string(statemachine.TrackStatusComplete), PlanStatus: string(statemachine.TrackStatusComplete)},
		{Category: string(model.CategoryElectrical), HazardStatus: string(statemachine.TrackStatusComplete), PlanStatus: string(statemachine.TrackStatusComplete)},
	}

	first := Assemble("run-1", records)
	second := Assemble("run-1", []model.CategoryRecord{records[1], records[0]})

	assert.Equal(t, first.Rows, second.Rows)
	assert.True(t, sort.SliceIsSorted(first.Rows, func(i, j int) bool {
		return first.Rows[i].Category < first.Rows[j].Category
	}))
}

func TestAssembleRequiredButUnstartedCountsOpen(t *testing.T) {
	records := []model.CategoryRecord{
		{
			Category:     string(model.CategoryElectrical),
			HazardStatus: string(statemachine.TrackStatusRequired),
			PlanStatus:   string(statemachine.TrackStatusRequired),
		},
	}
	m := Assemble("run-1", records)
	for _, row := range m.Rows {
		if row.Category != string(model.CategoryElectrical) {
			continue
		}
		assert.True(t, row.OpenHazard)
		assert.True(t, row.OpenPlan)
	}
	assert.Equal(t, 1, m.OpenCount)
	assert.Equal(t, 0, m.PendingCount)
}
