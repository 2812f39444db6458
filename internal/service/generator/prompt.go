package generator

import (
	"fmt"
	"strings"

	"github.com/safesection/backend/internal/domain"
	"github.com/safesection/backend/internal/model"
)

// PlanSubsections 安全计划叙述的固定小节
var PlanSubsections = []string{
	"Controls & Procedures",
	"PPE",
	"Training",
	"Permits/LOTO/Inspections",
	"Compliance Notes",
}

func citationLines(set *domain.EvidenceSet) string {
	if set == nil || len(set.Citations) == 0 {
		return "(no supporting citations located)"
	}
	var b strings.Builder
	for _, c := range set.Citations {
		fmt.Fprintf(&b, "- [%s] %s %s: %s\n", c.SourceType, c.DocumentID, c.Location, c.Display)
	}
	return b.String()
}

// BuildHazardPrompt 组装危害分析提示词
// 要求：命名离散危害、关联项目范围、说明影响概率/严重度的条件，禁止任何控制措施语言
func BuildHazardPrompt(category model.Category, codes []string, scopeText string, evidence *domain.EvidenceSet, strict bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a hazard analysis narrative for the %s category of a construction project.\n\n", category)
	fmt.Fprintf(&b, "Project scope:\n%s\n\n", strings.TrimSpace(scopeText))
	fmt.Fprintf(&b, "Specification codes in this category: %s\n\n", strings.Join(codes, ", "))
	if seeds := model.HazardSeeds[category]; len(seeds) > 0 {
		fmt.Fprintf(&b, "Typical hazards to consider: %s\n\n", strings.Join(seeds, "; "))
	}
	fmt.Fprintf(&b, "Supporting reference material:\n%s\n", citationLines(evidence))
	b.WriteString(`
Requirements:
1. Name each discrete hazard.
2. Tie every hazard to the stated project scope.
3. State the conditions that affect likelihood and severity.
4. Do NOT mention mitigations, controls, PPE, training, permits, or procedures of any kind.
5. Only state hazards supported by the reference material above; drop any hazard you cannot support.
`)
	if strict {
		b.WriteString(`
STRICT MODE: your previous answer contained control or mitigation language.
Every sentence mentioning how to prevent, control, or protect against a hazard
will be discarded. Describe hazards and exposure conditions only.
`)
	}
	return b.String()
}

// BuildPlanPrompt 组装安全计划提示词
// 叙述必须组织为固定小节，且只引用给定的配额内证据
func BuildPlanPrompt(category model.Category, hazards []string, codes []string, scopeText string, evidence *domain.EvidenceSet) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a site safety plan narrative for the %s category of a construction project.\n\n", category)
	fmt.Fprintf(&b, "Project scope:\n%s\n\n", strings.TrimSpace(scopeText))
	fmt.Fprintf(&b, "Specification codes: %s\n\n", strings.Join(codes, ", "))
	fmt.Fprintf(&b, "Hazards identified by the hazard analysis:\n- %s\n\n", strings.Join(hazards, "\n- "))
	fmt.Fprintf(&b, "Evidence (cite only these sources):\n%s\n", citationLines(evidence))
	fmt.Fprintf(&b, "\nOrganize the narrative into exactly these subsections:\n")
	for _, subsection := range PlanSubsections {
		fmt.Fprintf(&b, "## %s\n", subsection)
	}
	b.WriteString("\nEvery control must address one of the listed hazards and cite one of the evidence entries.\n")
	return b.String()
}
