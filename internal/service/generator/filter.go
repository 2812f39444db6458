package generator

import (
	"strings"

	"github.com/safesection/backend/internal/utils"
	"k8s.io/klog/v2"
)

// MitigationVocabulary 控制/缓解措施词表
// 危害分析叙述不允许出现这些词：控制措施属于安全计划轨道
// 该排除靠生成后过滤强制执行，不依赖提示词自觉
var MitigationVocabulary = []string{
	"install", "installed", "require", "required", "requirement",
	"ppe", "training", "trained", "permit", "loto", "lockout", "tagout",
	"mitigate", "mitigation", "control", "controls", "prevent", "prevention",
	"barricade", "guardrail", "harness", "respirator", "inspect", "inspection",
	"procedure", "shall", "must", "ensure", "provide",
}

// FilterResult 过滤结果
type FilterResult struct {
	Narrative string // 过滤后的叙述
	Kept      int    // 保留句数
	Stripped  int    // 剔除句数
}

// FilterHazardNarrative 剔除含控制/缓解词汇的句子
func FilterHazardNarrative(narrative string) FilterResult {
	sentences := utils.SplitSentences(narrative)
	kept := make([]string, 0, len(sentences))
	stripped := 0
	for _, sentence := range sentences {
		if utils.ContainsAnyWord(sentence, MitigationVocabulary) {
			stripped++
			continue
		}
		kept = append(kept, sentence)
	}
	if stripped > 0 {
		klog.V(6).Infof("危害叙述过滤: kept=%d, stripped=%d", len(kept), stripped)
	}
	return FilterResult{
		Narrative: strings.Join(kept, " "),
		Kept:      len(kept),
		Stripped:  stripped,
	}
}

// hazardKeywords 危害句识别关键词，用于从叙述中提取危害清单
var hazardKeywords = []string{
	"hazard", "exposure", "risk", "injury", "fatal", "shock",
	"fall", "collapse", "burn", "struck", "engulfment", "asphyxiation",
}

// ExtractHazards 从叙述中提取离散危害条目（每句取首个分句，去重，上限 8 条）
func ExtractHazards(narrative string) []string {
	sentences := utils.SplitSentences(narrative)
	seen := make(map[string]bool)
	var hazards []string
	for _, sentence := range sentences {
		lower := strings.ToLower(sentence)
		matched := false
		for _, keyword := range hazardKeywords {
			if strings.Contains(lower, keyword) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		head := sentence
		if idx := strings.IndexAny(sentence, ",;:"); idx > 0 {
			head = sentence[:idx]
		}
		head = strings.TrimRight(strings.TrimSpace(head), ".!?")
		key := strings.ToLower(head)
		if head == "" || seen[key] {
			continue
		}
		seen[key] = true
		hazards = append(hazards, head)
		if len(hazards) >= 8 {
			break
		}
	}
	return hazards
}
