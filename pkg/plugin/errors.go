package plugin

import (
	"errors"
	"fmt"
	"strings"

	xerrors "PluginHub/internal/errors"
)

const (
	CodeNotFound              xerrors.Code = "PLUGIN_NOT_FOUND"
	CodeValidation            xerrors.Code = "PLUGIN_VALIDATION_FAILED"
	CodeDependencyUnsatisfied xerrors.Code = "PLUGIN_DEPENDENCY_UNSATISFIED"
	CodeCyclicDependency      xerrors.Code = "PLUGIN_CYCLIC_DEPENDENCY"
	CodeExecutionTimeout      xerrors.Code = "PLUGIN_EXECUTION_TIMEOUT"
	CodePermissionDenied      xerrors.Code = "PLUGIN_PERMISSION_DENIED"
	CodeAlreadyExists         xerrors.Code = "PLUGIN_ALREADY_EXISTS"
	CodeAlreadyInstalled      xerrors.Code = "PLUGIN_ALREADY_INSTALLED"
	CodeHasDependents         xerrors.Code = "PLUGIN_HAS_DEPENDENTS"
	CodeTransitionInProgress  xerrors.Code = "PLUGIN_TRANSITION_IN_PROGRESS"
	CodeNoUpdate              xerrors.Code = "PLUGIN_NO_UPDATE"
	CodeLoadFailed            xerrors.Code = "PLUGIN_LOAD_FAILED"
	CodeCatalogUnavailable    xerrors.Code = "PLUGIN_CATALOG_UNAVAILABLE"
)

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{Message: "plugin not found", Severity: xerrors.SeverityInfo, HTTPStatus: 404})
	xerrors.Register(CodeValidation, xerrors.Attributes{Message: "invalid plugin descriptor", Severity: xerrors.SeverityInfo, HTTPStatus: 422})
	xerrors.Register(CodeDependencyUnsatisfied, xerrors.Attributes{Message: "plugin dependencies not satisfied", Severity: xerrors.SeverityWarning, HTTPStatus: 409})
	xerrors.Register(CodeCyclicDependency, xerrors.Attributes{Message: "cyclic plugin dependency", Severity: xerrors.SeverityWarning, Alert: true, HTTPStatus: 409})
	xerrors.Register(CodeExecutionTimeout, xerrors.Attributes{Message: "plugin execution timeout", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true, HTTPStatus: 504})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{Message: "plugin permission denied", Severity: xerrors.SeverityWarning, HTTPStatus: 403})
	xerrors.Register(CodeAlreadyExists, xerrors.Attributes{Message: "plugin resource already exists", Severity: xerrors.SeverityInfo, HTTPStatus: 409})
	xerrors.Register(CodeAlreadyInstalled, xerrors.Attributes{Message: "plugin already installed", Severity: xerrors.SeverityInfo, HTTPStatus: 409})
	xerrors.Register(CodeHasDependents, xerrors.Attributes{Message: "plugin is required by other plugins", Severity: xerrors.SeverityInfo, HTTPStatus: 409})
	xerrors.Register(CodeTransitionInProgress, xerrors.Attributes{Message: "plugin transition in progress", Severity: xerrors.SeverityInfo, Retryable: true, HTTPStatus: 409})
	xerrors.Register(CodeNoUpdate, xerrors.Attributes{Message: "no update available", Severity: xerrors.SeverityInfo, HTTPStatus: 404})
	xerrors.Register(CodeLoadFailed, xerrors.Attributes{Message: "plugin load failed", Severity: xerrors.SeverityCritical, Alert: true, HTTPStatus: 502})
	xerrors.Register(CodeCatalogUnavailable, xerrors.Attributes{Message: "plugin catalog unavailable", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true, HTTPStatus: 503})
}

// Sentinels usable with errors.Is; matching is by code.
var (
	ErrNotFound              = xerrors.New(CodeNotFound, "")
	ErrValidation            = xerrors.New(CodeValidation, "")
	ErrDependencyUnsatisfied = xerrors.New(CodeDependencyUnsatisfied, "")
	ErrCyclicDependency      = xerrors.New(CodeCyclicDependency, "")
	ErrExecutionTimeout      = xerrors.New(CodeExecutionTimeout, "")
	ErrPermissionDenied      = xerrors.New(CodePermissionDenied, "")
	ErrAlreadyExists         = xerrors.New(CodeAlreadyExists, "")
	ErrAlreadyInstalled      = xerrors.New(CodeAlreadyInstalled, "")
	ErrHasDependents         = xerrors.New(CodeHasDependents, "")
	ErrTransitionInProgress  = xerrors.New(CodeTransitionInProgress, "")
	ErrNoUpdate              = xerrors.New(CodeNoUpdate, "")
	ErrLoadFailed            = xerrors.New(CodeLoadFailed, "")
	ErrCatalogUnavailable    = xerrors.New(CodeCatalogUnavailable, "")
)

func notFound(kind, id string) error {
	return xerrors.New(CodeNotFound, fmt.Sprintf("%s %s not found", kind, id), xerrors.WithMetadata("plugin_id", id))
}

func invalid(id, format string, args ...any) error {
	return xerrors.New(CodeValidation, fmt.Sprintf(format, args...), xerrors.WithMetadata("plugin_id", id))
}

func permissionDenied(id string, what string) error {
	return xerrors.New(CodePermissionDenied, fmt.Sprintf("plugin %s: %s", id, what), xerrors.WithMetadata("plugin_id", id))
}

// IncompatibleDependency is a dependency whose installed version fails the
// compatibility predicate.
type IncompatibleDependency struct {
	Dependency
	Installed string `json:"installed"`
}

// DependencyReport partitions a dependency list into unmet requirements.
type DependencyReport struct {
	Missing      []Dependency             `json:"missing,omitempty"`
	Incompatible []IncompatibleDependency `json:"incompatible,omitempty"`
}

// Satisfied reports whether nothing is missing or incompatible.
func (r DependencyReport) Satisfied() bool {
	return len(r.Missing) == 0 && len(r.Incompatible) == 0
}

// DependencyError is returned when a plugin's dependencies cannot be met.
// It matches ErrDependencyUnsatisfied and, for cycles, ErrCyclicDependency.
type DependencyError struct {
	PluginID string
	Report   DependencyReport
	Cycle    []string
	Cause    error
}

func (e *DependencyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "plugin %s: dependencies not satisfied", e.PluginID)
	if len(e.Cycle) > 0 {
		fmt.Fprintf(&b, ": cycle %s", strings.Join(e.Cycle, " -> "))
	}
	if len(e.Report.Missing) > 0 {
		parts := make([]string, 0, len(e.Report.Missing))
		for _, dep := range e.Report.Missing {
			parts = append(parts, dep.ID+"@"+dep.Version)
		}
		fmt.Fprintf(&b, "; missing %s", strings.Join(parts, ", "))
	}
	if len(e.Report.Incompatible) > 0 {
		parts := make([]string, 0, len(e.Report.Incompatible))
		for _, dep := range e.Report.Incompatible {
			parts = append(parts, fmt.Sprintf("%s@%s (installed %s)", dep.ID, dep.Version, dep.Installed))
		}
		fmt.Fprintf(&b, "; incompatible %s", strings.Join(parts, ", "))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap exposes the coded sentinel and the cause to errors.Is and errors.As.
func (e *DependencyError) Unwrap() []error {
	code := CodeDependencyUnsatisfied
	if len(e.Cycle) > 0 {
		code = CodeCyclicDependency
	}
	errs := []error{xerrors.New(code, "", xerrors.WithMetadata("plugin_id", e.PluginID))}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Is lets a cyclic dependency error also match ErrDependencyUnsatisfied.
func (e *DependencyError) Is(target error) bool {
	t, ok := target.(*xerrors.Error)
	if !ok {
		return false
	}
	return t.Code() == CodeDependencyUnsatisfied
}

func asDependencyError(err error) (*DependencyError, bool) {
	var de *DependencyError
	ok := errors.As(err, &de)
	return de, ok
}
