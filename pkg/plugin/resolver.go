package plugin

import (
	"context"
	"slices"
)

// InstallFunc installs a single dependency.
type InstallFunc func(ctx context.Context, dep Dependency) error

type resolutionKey struct{}

// resolutionPath returns the chain of plugin ids currently being resolved.
func resolutionPath(ctx context.Context) []string {
	path, _ := ctx.Value(resolutionKey{}).([]string)
	return path
}

func withResolution(ctx context.Context, id string) context.Context {
	path := append(slices.Clone(resolutionPath(ctx)), id)
	return context.WithValue(ctx, resolutionKey{}, path)
}

// Resolver checks declared dependencies against the installed set.
type Resolver struct {
	registry *Registry
}

// NewResolver returns a resolver reading from registry.
func NewResolver(registry *Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Report partitions desc's dependencies into missing and incompatible.
func (r *Resolver) Report(desc Descriptor) DependencyReport {
	var report DependencyReport
	for _, dep := range desc.Dependencies {
		installed, err := r.registry.Installed(dep.ID)
		if err != nil {
			report.Missing = append(report.Missing, dep)
			continue
		}
		if !IsCompatible(installed.Version(), dep.Version) {
			report.Incompatible = append(report.Incompatible, IncompatibleDependency{
				Dependency: dep,
				Installed:  installed.Version(),
			})
		}
	}
	return report
}

// Check returns the dependency report and a *DependencyError when it is
// not satisfied.
func (r *Resolver) Check(desc Descriptor) (DependencyReport, error) {
	report := r.Report(desc)
	if report.Satisfied() {
		return report, nil
	}
	return report, &DependencyError{PluginID: desc.ID, Report: report}
}

// InstallDependenciesFirst installs every dependency of desc that is not yet
// installed, depth first and in declaration order. Transitive dependencies
// are handled by install recursing through the same resolver. A dependency
// already on the current resolution path is a cycle.
func (r *Resolver) InstallDependenciesFirst(ctx context.Context, desc Descriptor, install InstallFunc) error {
	path := append(slices.Clone(resolutionPath(ctx)), desc.ID)
	ctx = withResolution(ctx, desc.ID)
	for _, dep := range desc.Dependencies {
		if slices.Contains(path, dep.ID) {
			return &DependencyError{
				PluginID: desc.ID,
				Report:   DependencyReport{Missing: []Dependency{dep}},
				Cycle:    append(slices.Clone(path), dep.ID),
			}
		}
		if r.registry.IsInstalled(dep.ID) {
			continue
		}
		if err := install(ctx, dep); err != nil {
			report := r.Report(desc)
			if report.Satisfied() {
				report.Missing = []Dependency{dep}
			}
			var cycle []string
			if de, ok := asDependencyError(err); ok {
				cycle = de.Cycle
			}
			return &DependencyError{PluginID: desc.ID, Report: report, Cycle: cycle, Cause: err}
		}
	}
	return nil
}
