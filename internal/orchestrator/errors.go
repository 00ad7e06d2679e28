package orchestrator

import (
	"errors"
	"fmt"

	xerrors "plumcp/internal/errors"
	"plumcp/pkg/capability"
	"plumcp/pkg/plugin"
)

const (
	CodeInputTooLarge   xerrors.Code = "INPUT_TOO_LARGE"
	CodeContextNotFound xerrors.Code = "CONTEXT_NOT_FOUND"
	CodeContextExists   xerrors.Code = "CONTEXT_EXISTS"
)

func init() {
	xerrors.Register(CodeInputTooLarge, xerrors.Attributes{Message: "command text exceeds the size limit", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeContextNotFound, xerrors.Attributes{Message: "context not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeContextExists, xerrors.Attributes{Message: "context already registered", Severity: xerrors.SeverityInfo})
}

var (
	ErrInputTooLarge   = xerrors.New(CodeInputTooLarge, "")
	ErrContextNotFound = xerrors.New(CodeContextNotFound, "")
	ErrContextExists   = xerrors.New(CodeContextExists, "")
)

// InputTooLargeError 表示命令文本超过了允许的字符数。
type InputTooLargeError struct {
	Size  int
	Limit int
}

func (e *InputTooLargeError) Error() string {
	return fmt.Sprintf("command text has %d characters, limit is %d", e.Size, e.Limit)
}

func (e *InputTooLargeError) Unwrap() error { return ErrInputTooLarge }

// Error 包装一次编排失败，并指明触发失败的上下文与插件。
type Error struct {
	Context  string
	PluginID string
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Context == "":
		return e.Err.Error()
	case e.PluginID == "":
		return fmt.Sprintf("orchestrate %s: %v", e.Context, e.Err)
	default:
		return fmt.Sprintf("orchestrate %s: plugin %s: %v", e.Context, e.PluginID, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func contextNotFound(name string) error {
	return xerrors.Wrap(CodeContextNotFound, ErrContextNotFound, "context "+name)
}

// pluginOf 从生命周期错误中提取出错的插件。
func pluginOf(err error) string {
	var (
		missing  *plugin.MissingDependencyError
		cycle    *plugin.CycleError
		version  *plugin.VersionMismatchError
		timeout  *plugin.TimeoutError
		conflict *capability.ConflictError
		blocked  *plugin.BlockedError
	)
	switch {
	case errors.As(err, &missing):
		return missing.PluginID
	case errors.As(err, &cycle) && len(cycle.Cycle) > 0:
		return cycle.Cycle[0]
	case errors.As(err, &version):
		return version.PluginID
	case errors.As(err, &timeout):
		return timeout.PluginID
	case errors.As(err, &conflict):
		return conflict.Requester
	case errors.As(err, &blocked):
		return blocked.PluginID
	}
	if e, ok := xerrors.From(err); ok {
		return e.Metadata()["plugin_id"]
	}
	return ""
}
