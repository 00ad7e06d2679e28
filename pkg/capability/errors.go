package capability

import (
	"fmt"

	xerrors "plumcp/internal/errors"
)

const (
	CodeConflict xerrors.Code = "CAPABILITY_CONFLICT"
	CodeNotOwner xerrors.Code = "CAPABILITY_NOT_OWNER"
	CodeNotFound xerrors.Code = "CAPABILITY_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeConflict, xerrors.Attributes{Message: "capability already registered by another plugin", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeNotOwner, xerrors.Attributes{Message: "capability owned by another plugin", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeNotFound, xerrors.Attributes{Message: "capability not found", Severity: xerrors.SeverityInfo})
}

var (
	// ErrConflict matches every *ConflictError.
	ErrConflict = xerrors.New(CodeConflict, "")
	// ErrNotOwner matches every *NotOwnerError.
	ErrNotOwner = xerrors.New(CodeNotOwner, "")
	// ErrNotFound is returned when no entry exists for a (kind, name) key.
	ErrNotFound = xerrors.New(CodeNotFound, "")
)

// ConflictError reports an attempt to register a name that another plugin owns.
type ConflictError struct {
	Kind          Kind
	Name          string
	ExistingOwner string
	Requester     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already registered by %s (requested by %s)", e.Kind, e.Name, e.ExistingOwner, e.Requester)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// NotOwnerError reports an unregister attempt by a plugin that does not own the entry.
type NotOwnerError struct {
	Kind      Kind
	Name      string
	Owner     string
	Requester string
}

func (e *NotOwnerError) Error() string {
	return fmt.Sprintf("%s %q is owned by %s, not %s", e.Kind, e.Name, e.Owner, e.Requester)
}

func (e *NotOwnerError) Unwrap() error { return ErrNotOwner }
