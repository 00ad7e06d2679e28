package plugin

import (
	"errors"
	"fmt"
	goplugin "plugin"
)

// Loader resolves plugin binaries into Plugin implementations.
type Loader interface {
	Load(path string) (Plugin, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(path string) (Plugin, error)

// Load implements Loader.
func (f LoaderFunc) Load(path string) (Plugin, error) { return f(path) }

// GoPluginLoader opens Go shared objects built with -buildmode=plugin. The
// object must export a `Plugin` symbol holding a Plugin value, a pointer to
// one, or a constructor.
type GoPluginLoader struct{}

// Load opens the shared object and resolves its `Plugin` symbol.
func (GoPluginLoader) Load(path string) (Plugin, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup("Plugin")
	if err != nil {
		return nil, err
	}
	return fromSymbol(symbol)
}

func fromSymbol(symbol any) (Plugin, error) {
	switch p := symbol.(type) {
	case Plugin:
		return p, nil
	case *Plugin:
		if p == nil || *p == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return *p, nil
	case func() Plugin:
		return p(), nil
	case func() (Plugin, error):
		return p()
	default:
		return nil, fmt.Errorf("plugin symbol of type %T does not implement plugin.Plugin", symbol)
	}
}
