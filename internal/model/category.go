package model

// Category 固定的危害类别集合（EM 385-1-1 分组）
// Mapper、状态机、合规矩阵统一消费该枚举，避免各处硬编码类别名产生漂移
type Category string

const (
	CategoryElectrical       Category = "Electrical / Energy Control"
	CategoryFallProtection   Category = "Fall Protection & Prevention"
	CategoryExcavation       Category = "Excavation & Trenching"
	CategoryConfinedSpace    Category = "Confined Space Entry"
	CategoryCranesRigging    Category = "Cranes & Rigging"
	CategoryDemolition       Category = "Demolition"
	CategoryMaterialHandling Category = "Material Handling & Storage"
	CategoryHotWork          Category = "Fire Prevention & Hot Work"
	CategoryScaffolding      Category = "Scaffolding & Access Systems"
	CategoryLOTO             Category = "Hazardous Energy / LOTO"
	CategoryEnvironmental    Category = "Environmental Controls"
	CategoryMechanical       Category = "Mechanical Equipment"
	CategoryStructural       Category = "Structural Work"
	CategoryGeneral          Category = "General Construction"

	// CategoryUnmapped 哨兵类别：需要 AHA 的规范代码尚未分配到真实类别
	CategoryUnmapped Category = "Unmapped"
)

// Categories 全部真实类别（不含 Unmapped 哨兵），按固定顺序排列
var Categories = []Category{
	CategoryConfinedSpace,
	CategoryCranesRigging,
	CategoryDemolition,
	CategoryElectrical,
	CategoryEnvironmental,
	CategoryExcavation,
	CategoryFallProtection,
	CategoryGeneral,
	CategoryHotWork,
	CategoryLOTO,
	CategoryMaterialHandling,
	CategoryMechanical,
	CategoryScaffolding,
	CategoryStructural,
}

var categorySet = func() map[Category]bool {
	set := make(map[Category]bool, len(Categories))
	for _, c := range Categories {
		set[c] = true
	}
	return set
}()

// IsValidCategory 判断是否为合法的真实类别（Unmapped 不算）
func IsValidCategory(c Category) bool {
	return categorySet[c]
}

// HazardSeeds 类别到典型危害的种子映射，用于锚定危害分析的提示词
// 随 EM 385 章节接入逐步扩充
var HazardSeeds = map[Category][]string{
	CategoryElectrical:     {"Electrical shock", "Arc flash", "Energized equipment contact"},
	CategoryFallProtection: {"Fall from elevation", "Unprotected edge", "Ladder misuse"},
	CategoryExcavation:     {"Cave-in", "Struck-by", "Hazardous atmosphere"},
	CategoryConfinedSpace:  {"Asphyxiation", "Toxic exposure", "Engulfment"},
	CategoryCranesRigging:  {"Crane tip-over", "Load drop", "Struck-by"},
	CategoryDemolition:     {"Uncontrolled collapse", "Falling debris", "Dust"},
	CategoryHotWork:        {"Burns", "Fumes", "Fire", "Eye injury"},
	CategoryScaffolding:    {"Platform collapse", "Fall from scaffold", "Falling objects"},
	CategoryLOTO:           {"Unexpected energization", "Stored energy release"},
}
