// Package builtin 提供随引擎发布的内置插件与默认上下文目录。
package builtin

import (
	"context"
	"fmt"

	"plumcp/pkg/capability"
	"plumcp/pkg/plugin"
)

// Static 是声明式插件：激活时注册一组固定的能力描述，停用时无需清理。
type Static struct {
	info      plugin.Info
	tools     map[string]capability.Tool
	resources map[string]capability.Resource
	prompts   map[string]capability.Prompt
	samplings map[string]capability.Sampling
}

func newStatic(info plugin.Info) *Static {
	return &Static{
		info:      info,
		tools:     map[string]capability.Tool{},
		resources: map[string]capability.Resource{},
		prompts:   map[string]capability.Prompt{},
		samplings: map[string]capability.Sampling{},
	}
}

// Info 实现 plugin.Plugin。
func (s *Static) Info() plugin.Info { return s.info }

// Activate 注册全部已声明的能力。
func (s *Static) Activate(ctx context.Context, reg plugin.Registrar) error {
	for _, set := range s.info.Capabilities {
		for _, name := range set.Names {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.register(reg, set.Kind, name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Static) register(reg plugin.Registrar, kind capability.Kind, name string) error {
	switch kind {
	case capability.KindTool:
		if tool, ok := s.tools[name]; ok {
			return reg.RegisterTool(name, tool)
		}
	case capability.KindResource:
		if res, ok := s.resources[name]; ok {
			return reg.RegisterResource(name, res)
		}
	case capability.KindPrompt:
		if prompt, ok := s.prompts[name]; ok {
			return reg.RegisterPrompt(name, prompt)
		}
	case capability.KindSampling:
		if sampling, ok := s.samplings[name]; ok {
			return reg.RegisterSampling(name, sampling)
		}
	}
	return fmt.Errorf("plugin %s declares %s %q without an implementation", s.info.ID, kind, name)
}

// Deactivate 实现 plugin.Plugin。
func (s *Static) Deactivate(context.Context) error { return nil }

func (s *Static) tool(name string, t capability.Tool) *Static {
	s.tools[name] = t
	s.declare(capability.KindTool, name)
	return s
}

func (s *Static) resource(name string, r capability.Resource) *Static {
	s.resources[name] = r
	s.declare(capability.KindResource, name)
	return s
}

func (s *Static) prompt(name string, p capability.Prompt) *Static {
	s.prompts[name] = p
	s.declare(capability.KindPrompt, name)
	return s
}

func (s *Static) sampling(name string, sm capability.Sampling) *Static {
	s.samplings[name] = sm
	s.declare(capability.KindSampling, name)
	return s
}

func (s *Static) declare(kind capability.Kind, name string) {
	for i := range s.info.Capabilities {
		if s.info.Capabilities[i].Kind == kind {
			s.info.Capabilities[i].Names = append(s.info.Capabilities[i].Names, name)
			return
		}
	}
	s.info.Capabilities = append(s.info.Capabilities, plugin.CapabilitySet{Kind: kind, Names: []string{name}})
}

func stringArg(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string, got %T", key, raw)
	}
	return s, nil
}
