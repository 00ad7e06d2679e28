package plugin

import (
	"fmt"
	"strings"
	"time"

	xerrors "plumcp/internal/errors"
)

const (
	CodeMissingDependency  xerrors.Code = "MISSING_DEPENDENCY"
	CodeCyclicDependency   xerrors.Code = "CYCLIC_DEPENDENCY"
	CodeVersionMismatch    xerrors.Code = "DEPENDENCY_VERSION_MISMATCH"
	CodeBlockedByDependent xerrors.Code = "BLOCKED_BY_DEPENDENTS"
	CodeActivationTimeout  xerrors.Code = "ACTIVATION_TIMEOUT"
	CodeActivationFailed   xerrors.Code = "ACTIVATION_FAILED"
	CodeDeactivationFailed xerrors.Code = "DEACTIVATION_FAILED"
	CodeInvalidTransition  xerrors.Code = "INVALID_TRANSITION"
	CodePluginNotFound     xerrors.Code = "PLUGIN_NOT_FOUND"
	CodePolicyViolation    xerrors.Code = "POLICY_VIOLATION"
	CodeRegistrationClosed xerrors.Code = "REGISTRATION_CLOSED"
)

func init() {
	xerrors.Register(CodeMissingDependency, xerrors.Attributes{Message: "required dependency not registered", Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeCyclicDependency, xerrors.Attributes{Message: "cyclic plugin dependency", Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeVersionMismatch, xerrors.Attributes{Message: "dependency version not satisfied", Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeBlockedByDependent, xerrors.Attributes{Message: "plugin has active dependents", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeActivationTimeout, xerrors.Attributes{Message: "plugin activation timed out", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true})
	xerrors.Register(CodeActivationFailed, xerrors.Attributes{Message: "plugin activation failed", Severity: xerrors.SeverityWarning, Alert: true})
	xerrors.Register(CodeDeactivationFailed, xerrors.Attributes{Message: "plugin deactivation failed", Severity: xerrors.SeverityWarning, Alert: true})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{Message: "invalid lifecycle transition", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodePluginNotFound, xerrors.Attributes{Message: "plugin not registered", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodePolicyViolation, xerrors.Attributes{Message: "plugin violates isolation policy", Severity: xerrors.SeverityWarning, Alert: true})
	xerrors.Register(CodeRegistrationClosed, xerrors.Attributes{Message: "capability registration outside activation", Severity: xerrors.SeverityWarning})
}

var (
	ErrMissingDependency  = xerrors.New(CodeMissingDependency, "")
	ErrCyclicDependency   = xerrors.New(CodeCyclicDependency, "")
	ErrVersionMismatch    = xerrors.New(CodeVersionMismatch, "")
	ErrBlockedByDependent = xerrors.New(CodeBlockedByDependent, "")
	ErrActivationTimeout  = xerrors.New(CodeActivationTimeout, "")
	ErrActivationFailed   = xerrors.New(CodeActivationFailed, "")
	ErrDeactivationFailed = xerrors.New(CodeDeactivationFailed, "")
	ErrInvalidTransition  = xerrors.New(CodeInvalidTransition, "")
	ErrPluginNotFound     = xerrors.New(CodePluginNotFound, "")
	ErrPolicyViolation    = xerrors.New(CodePolicyViolation, "")
	ErrRegistrationClosed = xerrors.New(CodeRegistrationClosed, "")
)

// MissingDependencyError lists every required plugin that is absent from the
// closure of PluginID.
type MissingDependencyError struct {
	PluginID string
	Missing  []string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("plugin %s: missing required dependencies [%s]", e.PluginID, strings.Join(e.Missing, ", "))
}

func (e *MissingDependencyError) Unwrap() error { return ErrMissingDependency }

// CycleError describes a dependency cycle, with the first node repeated at the end.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return "cyclic dependency: " + strings.Join(e.Cycle, " -> ")
}

func (e *CycleError) Unwrap() error { return ErrCyclicDependency }

// VersionMismatchError reports a required dependency whose version does not
// satisfy the declared constraint.
type VersionMismatchError struct {
	PluginID   string
	Dependency string
	Constraint string
	Version    string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("plugin %s requires %s %s, found %q", e.PluginID, e.Dependency, e.Constraint, e.Version)
}

func (e *VersionMismatchError) Unwrap() error { return ErrVersionMismatch }

// BlockedError is returned when deactivating a plugin that active plugins still require.
type BlockedError struct {
	PluginID   string
	Dependents []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("plugin %s is required by active plugins [%s]", e.PluginID, strings.Join(e.Dependents, ", "))
}

func (e *BlockedError) Unwrap() error { return ErrBlockedByDependent }

// TimeoutError is returned when a plugin's Activate does not return in time.
type TimeoutError struct {
	PluginID string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("plugin %s did not activate within %s", e.PluginID, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrActivationTimeout }

// TransitionError reports a lifecycle operation that is not allowed from the
// plugin's current state.
type TransitionError struct {
	PluginID string
	From     State
	To       State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("plugin %s cannot move from %s to %s", e.PluginID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func notFound(id string) error {
	return xerrors.Wrap(CodePluginNotFound, ErrPluginNotFound, "plugin "+id, xerrors.WithMetadata("plugin_id", id))
}
