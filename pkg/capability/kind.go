package capability

import (
	"context"
	"fmt"
	"strings"
)

// Kind is the closed set of capability categories a plugin can contribute.
type Kind int

const (
	KindTool Kind = iota
	KindResource
	KindPrompt
	KindSampling
)

// Kinds lists every capability kind in declaration order.
var Kinds = []Kind{KindTool, KindResource, KindPrompt, KindSampling}

func (k Kind) String() string {
	switch k {
	case KindTool:
		return "tool"
	case KindResource:
		return "resource"
	case KindPrompt:
		return "prompt"
	case KindSampling:
		return "sampling"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k >= KindTool && k <= KindSampling
}

// ParseKind converts a textual kind (as used in configuration files) to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tool", "tools":
		return KindTool, nil
	case "resource", "resources":
		return KindResource, nil
	case "prompt", "prompts":
		return KindPrompt, nil
	case "sampling":
		return KindSampling, nil
	default:
		return 0, fmt.Errorf("unknown capability kind %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid capability kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Descriptor is the kind-specific payload carried by a registry entry. The
// registry never inspects it beyond its Kind.
type Descriptor interface {
	Kind() Kind
}

// ToolHandler executes a tool invocation.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// Tool describes an invocable function.
type Tool struct {
	Description string
	InputSchema map[string]any
	Handler     ToolHandler
}

// Kind implements Descriptor.
func (Tool) Kind() Kind { return KindTool }

// ResourceReader returns the content of a resource.
type ResourceReader func(ctx context.Context, uri string) ([]byte, error)

// Resource describes addressable content.
type Resource struct {
	URI         string
	MimeType    string
	Description string
	Read        ResourceReader
}

// Kind implements Descriptor.
func (Resource) Kind() Kind { return KindResource }

// PromptArgument is a named template parameter.
type PromptArgument struct {
	Name     string
	Required bool
}

// PromptRenderer produces prompt text for the supplied arguments.
type PromptRenderer func(ctx context.Context, args map[string]string) (string, error)

// Prompt describes a reusable prompt template.
type Prompt struct {
	Description string
	Arguments   []PromptArgument
	Render      PromptRenderer
}

// Kind implements Descriptor.
func (Prompt) Kind() Kind { return KindPrompt }

// Sampler produces a completion for the supplied messages.
type Sampler func(ctx context.Context, messages []string) (string, error)

// Sampling describes a model sampling hook.
type Sampling struct {
	Description string
	MaxTokens   int
	Sample      Sampler
}

// Kind implements Descriptor.
func (Sampling) Kind() Kind { return KindSampling }
