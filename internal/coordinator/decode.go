package coordinator

import (
	"encoding/json"
	"strings"

	"goa.design/pipeline-core/internal/workflow"
)

// decodeArchitectureDecision maps the architect agent's JSON artifact
// (platform, frontend, backend, database, ci_cd, iac_required,
// containerization_required) onto workflow.ArchitectureDecision. Unknown
// fields are ignored; missing fields default to the zero value, which the
// stock predicates in workflow.RegisterDefaultPredicates treat as "none".
func decodeArchitectureDecision(data []byte) (workflow.ArchitectureDecision, error) {
	var raw struct {
		Platform                 string `json:"platform"`
		Frontend                 string `json:"frontend"`
		Backend                  string `json:"backend"`
		Database                 string `json:"database"`
		CICD                     string `json:"ci_cd"`
		IaCRequired              bool   `json:"iac_required"`
		ContainerizationRequired bool   `json:"containerization_required"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return workflow.ArchitectureDecision{}, err
	}
	return workflow.ArchitectureDecision{
		Platform:                 strings.TrimSpace(raw.Platform),
		Frontend:                 strings.TrimSpace(raw.Frontend),
		Backend:                  strings.TrimSpace(raw.Backend),
		Database:                 strings.TrimSpace(raw.Database),
		CICD:                     strings.TrimSpace(raw.CICD),
		IaCRequired:              raw.IaCRequired,
		ContainerizationRequired: raw.ContainerizationRequired,
	}, nil
}
