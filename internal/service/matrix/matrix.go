package matrix

import (
	"encoding/json"
	"sort"

	"github.com/safesection/backend/internal/model"
	"github.com/safesection/backend/internal/service/statemachine"
	"k8s.io/klog/v2"
)

// Row 合规矩阵单行,每个固定类别一行
type Row struct {
	Category       string   `json:"category"`
	Codes          []string `json:"codes"`
	HazardStatus   string   `json:"hazard_status"`
	PlanStatus     string   `json:"plan_status"`
	ProjectCount   int      `json:"project_count"`
	ReferenceCount int      `json:"reference_count"`
	OpenHazard     bool     `json:"open_hazard"`
	OpenPlan       bool     `json:"open_plan"`
}

// Matrix 一次 run 的合规矩阵汇总
type Matrix struct {
	RunID        string `json:"run_id"`
	Rows         []Row  `json:"rows"`
	OpenCount    int    `json:"open_count"`
	PendingCount int    `json:"pending_count"`
}

// Assemble 对类别记录做只读折叠,按类别名排序,无副作用。
// 未出现在记录中的固定类别也会生成一行,状态标记为 not_required。
func Assemble(runID string, records []model.CategoryRecord) Matrix {
	byCategory := make(map[string]*model.CategoryRecord, len(records))
	for i := range records {
		byCategory[records[i].Category] = &records[i]
	}

	rows := make([]Row, 0, len(model.Categories))
	for _, category := range model.Categories {
		record, ok := byCategory[string(category)]
		if !ok {
			rows = append(rows, Row{
				Category:     string(category),
				Codes:        []string{},
				HazardStatus: string(statemachine.TrackStatusNotRequired),
				PlanStatus:   string(statemachine.TrackStatusNotRequired),
			})
			continue
		}
		rows = append(rows, rowFor(record))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Category < rows[j].Category })

	m := Matrix{RunID: runID, Rows: rows}
	for _, row := range rows {
		if row.OpenHazard || row.OpenPlan {
			m.OpenCount++
		}
		if row.HazardStatus == string(statemachine.TrackStatusPending) ||
			row.PlanStatus == string(statemachine.TrackStatusPending) {
			m.PendingCount++
		}
	}
	klog.V(6).Infof("矩阵汇总完成: run=%s, 行数=%d, 未闭合=%d", runID, len(m.Rows), m.OpenCount)
	return m
}

func rowFor(record *model.CategoryRecord) Row {
	var codes []string
	if record.Codes != "" {
		if err := json.Unmarshal([]byte(record.Codes), &codes); err != nil {
			klog.Errorf("解析类别编码列表失败: category=%s, error=%v", record.Category, err)
		}
	}
	if codes == nil {
		codes = []string{}
	}
	return Row{
		Category:       record.Category,
		Codes:          codes,
		HazardStatus:   record.HazardStatus,
		PlanStatus:     record.PlanStatus,
		ProjectCount:   record.ProjectCount,
		ReferenceCount: record.ReferenceCount,
		OpenHazard:     !isClosed(record.HazardStatus),
		OpenPlan:       !isClosed(record.PlanStatus),
	}
}

// isClosed 完成或无需生成视为闭合;待定与未开始均为未闭合
func isClosed(status string) bool {
	return status == string(statemachine.TrackStatusComplete) ||
		status == string(statemachine.TrackStatusNotRequired)
}
