package builtin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"plumcp/pkg/capability"
	"plumcp/pkg/plugin"
)

const (
	VFSID       = "vfs"
	IDEBridgeID = "ide-bridge"

	defaultMaxFileSize = 1 << 20
)

// ErrOutsideRoot 表示请求的路径越过了 vfs 根目录。
var ErrOutsideRoot = errors.New("path escapes vfs root")

// VFS 是只读文件系统插件，所有路径都相对于配置的根目录。
type VFS struct {
	*Static

	mu      sync.RWMutex
	root    string
	maxSize int64
}

// Entry 是 list_dir 返回的目录项。
type Entry struct {
	Name  string `json:"name"`
	Dir   bool   `json:"dir"`
	Size  int64  `json:"size"`
	Perms string `json:"perms"`
}

func newVFS() *VFS {
	v := &VFS{root: ".", maxSize: defaultMaxFileSize}
	v.Static = newStatic(plugin.Info{
		ID:          VFSID,
		Name:        "Virtual File System",
		Version:     "1.0.0",
		Description: "在受限根目录内读取文件",
	})
	v.tool("read_file", capability.Tool{
		Description: "读取根目录下的文件内容",
		InputSchema: map[string]any{"type": "object", "required": []string{"path"}},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return nil, err
			}
			data, err := v.ReadFile(path)
			if err != nil {
				return nil, err
			}
			return string(data), nil
		},
	})
	v.tool("list_dir", capability.Tool{
		Description: "列出根目录下某个目录的内容",
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			return v.List(path)
		},
	})
	v.resource("workspace_file", capability.Resource{
		URI:         "file:///",
		MimeType:    "application/octet-stream",
		Description: "以 file:/// URI 读取根目录下的文件",
		Read: func(_ context.Context, uri string) ([]byte, error) {
			return v.ReadFile(strings.TrimPrefix(uri, "file://"))
		},
	})
	return v
}

// Configure 实现 plugin.Configurable，支持 root 与 max_file_size。
func (v *VFS) Configure(cfg map[string]any) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if raw, ok := cfg["root"]; ok {
		root, ok := raw.(string)
		if !ok || strings.TrimSpace(root) == "" {
			return fmt.Errorf("root must be a non-empty string, got %T", raw)
		}
		v.root = root
	}
	if raw, ok := cfg["max_file_size"]; ok {
		switch n := raw.(type) {
		case int:
			v.maxSize = int64(n)
		case int64:
			v.maxSize = n
		case float64:
			v.maxSize = int64(n)
		default:
			return fmt.Errorf("max_file_size must be a number, got %T", raw)
		}
		if v.maxSize <= 0 {
			return fmt.Errorf("max_file_size must be positive")
		}
	}
	abs, err := filepath.Abs(v.root)
	if err != nil {
		return err
	}
	v.root = abs
	return nil
}

// Root 返回当前根目录。
func (v *VFS) Root() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.root
}

// Resolve 把相对路径映射到根目录内的绝对路径。
func (v *VFS) Resolve(path string) (string, error) {
	root := v.Root()
	cleaned := filepath.Clean("/" + filepath.ToSlash(path))
	full := filepath.Join(root, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return full, nil
}

// ReadFile 读取根目录下的文件，超过大小上限时报错。
func (v *VFS) ReadFile(path string) ([]byte, error) {
	full, err := v.Resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	v.mu.RLock()
	limit := v.maxSize
	v.mu.RUnlock()
	if info.Size() > limit {
		return nil, fmt.Errorf("%s exceeds %d bytes", path, limit)
	}
	return os.ReadFile(full)
}

// List 返回目录内容，按名称排序。
func (v *VFS) List(path string) ([]Entry, error) {
	full, err := v.Resolve(path)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		entries = append(entries, Entry{Name: d.Name(), Dir: d.IsDir(), Size: info.Size(), Perms: info.Mode().Perm().String()})
	}
	return entries, nil
}

// Location 是 open_file 返回的编辑器定位信息。
type Location struct {
	Path   string `json:"path"`
	Line   int    `json:"line"`
	Lines  int    `json:"lines"`
	Prefix string `json:"prefix"`
}

func newIDEBridge(vfs *VFS) *Static {
	s := newStatic(plugin.Info{
		ID:          IDEBridgeID,
		Name:        "IDE Bridge",
		Version:     "1.0.0",
		Description: "把文件定位请求转换为编辑器可用的位置",
		Dependencies: []plugin.Dependency{
			{PluginID: VFSID, VersionConstraint: ">= 1.0.0", Required: true},
		},
	})
	s.tool("open_file", capability.Tool{
		Description: "校验文件并返回行定位",
		InputSchema: map[string]any{"type": "object", "required": []string{"path"}},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return nil, err
			}
			data, err := vfs.ReadFile(path)
			if err != nil {
				return nil, err
			}
			lines := strings.Split(string(data), "\n")
			line := 1
			if n, ok := args["line"].(int); ok {
				line = n
			}
			if line < 1 || line > len(lines) {
				return nil, fmt.Errorf("line %d out of range 1..%d", line, len(lines))
			}
			return Location{Path: path, Line: line, Lines: len(lines), Prefix: strings.TrimSpace(lines[line-1])}, nil
		},
	})
	return s
}
