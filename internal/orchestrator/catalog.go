package orchestrator

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	xerrors "plumcp/internal/errors"
)

// Context 描述一个由触发概念映射到插件集合的编排上下文。注册后不可变。
type Context struct {
	Name            string   `yaml:"name" json:"name"`
	Description     string   `yaml:"description,omitempty" json:"description,omitempty"`
	TriggerConcepts []string `yaml:"triggers" json:"triggers"`
	RequiredPlugins []string `yaml:"required" json:"required"`
	OptionalPlugins []string `yaml:"optional,omitempty" json:"optional,omitempty"`
	UrgencyWeight   float64  `yaml:"urgency_weight,omitempty" json:"urgency_weight,omitempty"`
}

func (c Context) clone() Context {
	c.TriggerConcepts = slices.Clone(c.TriggerConcepts)
	c.RequiredPlugins = slices.Clone(c.RequiredPlugins)
	c.OptionalPlugins = slices.Clone(c.OptionalPlugins)
	return c
}

// Validate 校验上下文定义。
func (c Context) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "上下文名称不能为空")
	}
	if c.UrgencyWeight < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("上下文 %s 的紧急权重不能为负数", c.Name))
	}
	for _, id := range c.RequiredPlugins {
		if strings.TrimSpace(id) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("上下文 %s 包含空插件标识", c.Name))
		}
	}
	return nil
}

// Catalog 按注册顺序保存全部上下文。
type Catalog struct {
	mu       sync.RWMutex
	contexts []Context
	index    map[string]int
}

// NewCatalog 创建上下文目录并按顺序注册初始上下文。
func NewCatalog(contexts ...Context) (*Catalog, error) {
	c := &Catalog{index: make(map[string]int)}
	for _, ctx := range contexts {
		if err := c.Register(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register 注册新上下文，同名上下文不会被替换。
func (c *Catalog) Register(ctx Context) error {
	if err := ctx.Validate(); err != nil {
		return err
	}
	if ctx.UrgencyWeight == 0 {
		ctx.UrgencyWeight = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.index[ctx.Name]; exists {
		return xerrors.Wrap(CodeContextExists, ErrContextExists, "context "+ctx.Name)
	}
	c.appendLocked(ctx)
	return nil
}

// registerUnique 以 base 为名注册上下文，名称被占用时依次尝试 base_2、base_3……
func (c *Catalog) registerUnique(base string, ctx Context) (Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := base
	for i := 2; ; i++ {
		if _, exists := c.index[name]; !exists {
			break
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
	ctx.Name = name
	if err := ctx.Validate(); err != nil {
		return Context{}, err
	}
	c.appendLocked(ctx)
	return ctx.clone(), nil
}

func (c *Catalog) appendLocked(ctx Context) {
	c.index[ctx.Name] = len(c.contexts)
	c.contexts = append(c.contexts, ctx.clone())
}

// Get 返回指定名称的上下文副本。
func (c *Catalog) Get(name string) (Context, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[name]
	if !ok {
		return Context{}, false
	}
	return c.contexts[i].clone(), true
}

// List 按注册顺序返回全部上下文的快照。
func (c *Catalog) List() []Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Context, len(c.contexts))
	for i, ctx := range c.contexts {
		out[i] = ctx.clone()
	}
	return out
}

// Len 返回上下文数量。
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.contexts)
}

type catalogFile struct {
	Contexts []Context `yaml:"contexts"`
}

// DecodeCatalog 从 YAML 文档读取上下文定义。
func DecodeCatalog(r io.Reader) ([]Context, error) {
	var doc catalogFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "解析上下文目录失败")
	}
	return doc.Contexts, nil
}

// LoadCatalog 从 YAML 文件读取上下文定义。
func LoadCatalog(path string) ([]Context, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "上下文目录路径不能为空")
	}
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "读取上下文目录失败")
	}
	defer file.Close()
	return DecodeCatalog(file)
}
