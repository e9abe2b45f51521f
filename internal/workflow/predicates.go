package workflow

import "strings"

// RegisterDefaultPredicates registers the stock activation predicates referenced by the
// default manifest (config/phases.yaml). Callers with a custom manifest can
// register additional predicates directly on the Manifest.
func RegisterDefaultPredicates(m *Manifest) {
	m.RegisterPredicate("platform.azure", func(d ArchitectureDecision) bool {
		return strings.EqualFold(d.Platform, "azure")
	})
	m.RegisterPredicate("platform.aws", func(d ArchitectureDecision) bool {
		return strings.EqualFold(d.Platform, "aws")
	})
	m.RegisterPredicate("platform.gcp", func(d ArchitectureDecision) bool {
		return strings.EqualFold(d.Platform, "gcp")
	})
	m.RegisterPredicate("frontend.react", func(d ArchitectureDecision) bool {
		return strings.EqualFold(d.Frontend, "react")
	})
	m.RegisterPredicate("frontend.none", func(d ArchitectureDecision) bool {
		return d.Frontend == "" || strings.EqualFold(d.Frontend, "none")
	})
	m.RegisterPredicate("backend.dotnet", func(d ArchitectureDecision) bool {
		return strings.EqualFold(d.Backend, "dotnet")
	})
	m.RegisterPredicate("backend.none", func(d ArchitectureDecision) bool {
		return d.Backend == "" || strings.EqualFold(d.Backend, "none")
	})
	m.RegisterPredicate("database.mysql", func(d ArchitectureDecision) bool {
		return strings.EqualFold(d.Database, "mysql")
	})
	m.RegisterPredicate("database.postgres", func(d ArchitectureDecision) bool {
		return strings.EqualFold(d.Database, "postgres")
	})
	m.RegisterPredicate("cicd.github", func(d ArchitectureDecision) bool {
		return strings.EqualFold(d.CICD, "github")
	})
	m.RegisterPredicate("cicd.azuredevops", func(d ArchitectureDecision) bool {
		return strings.EqualFold(d.CICD, "azuredevops")
	})
	m.RegisterPredicate("iac.required", func(d ArchitectureDecision) bool {
		return d.IaCRequired
	})
	m.RegisterPredicate("containerization.required", func(d ArchitectureDecision) bool {
		return d.ContainerizationRequired
	})
}
