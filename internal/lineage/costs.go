package lineage

import (
	"context"
	"sort"
	"strconv"

	"covenant/internal/domain"
)

// CostLine is one aggregated slice of a project's resource usage.
type CostLine struct {
	Key           string  `json:"key"`
	Calls         int     `json:"calls"`
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// CostReport aggregates usage along the axes operators ask about.
type CostReport struct {
	ProjectID  string     `json:"project_id"`
	Total      CostLine   `json:"total"`
	ByTier     []CostLine `json:"by_tier,omitempty"`
	ByTask     []CostLine `json:"by_task,omitempty"`
	ByRole     []CostLine `json:"by_role,omitempty"`
	ByProvider []CostLine `json:"by_provider,omitempty"`
	ByModel    []CostLine `json:"by_model,omitempty"`
}

// Costs builds the aggregated report from raw usage entries.
func (t Tracer) Costs(ctx context.Context, projectID string) (CostReport, error) {
	entries, err := t.Repo.ListUsage(ctx, projectID)
	if err != nil {
		return CostReport{}, err
	}
	report := CostReport{ProjectID: projectID, Total: CostLine{Key: "total"}}
	byTier := map[string]*CostLine{}
	byTask := map[string]*CostLine{}
	byRole := map[string]*CostLine{}
	byProvider := map[string]*CostLine{}
	byModel := map[string]*CostLine{}
	for _, u := range entries {
		add(&report.Total, u)
		addTo(byTier, tierKey(u.Tier), u)
		addTo(byTask, u.TaskID, u)
		addTo(byRole, u.Role, u)
		addTo(byProvider, u.Provider, u)
		addTo(byModel, u.Provider+"/"+u.Model, u)
	}
	report.ByTier = sorted(byTier)
	report.ByTask = sorted(byTask)
	report.ByRole = sorted(byRole)
	report.ByProvider = sorted(byProvider)
	report.ByModel = sorted(byModel)
	return report, nil
}

func tierKey(tier int) string {
	if tier == 0 {
		return "design"
	}
	return "tier-" + strconv.Itoa(tier)
}

func add(line *CostLine, u domain.UsageEntry) {
	line.Calls++
	line.InputTokens += u.InputTokens
	line.OutputTokens += u.OutputTokens
	line.EstimatedCost += u.EstimatedCost
}

func addTo(m map[string]*CostLine, key string, u domain.UsageEntry) {
	line, ok := m[key]
	if !ok {
		line = &CostLine{Key: key}
		m[key] = line
	}
	add(line, u)
}

func sorted(m map[string]*CostLine) []CostLine {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	res := make([]CostLine, len(keys))
	for i, k := range keys {
		res[i] = *m[k]
	}
	return res
}
