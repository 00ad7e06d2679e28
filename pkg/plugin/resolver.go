package plugin

import (
	"fmt"
	"slices"

	"github.com/Masterminds/semver/v3"

	xerrors "plumcp/internal/errors"
)

// InfoSource resolves plugin metadata by id.
type InfoSource interface {
	PluginInfo(id string) (Info, bool)
}

// StaticSource is an InfoSource backed by a map, handy for planning without a Manager.
type StaticSource map[string]Info

// PluginInfo implements InfoSource.
func (s StaticSource) PluginInfo(id string) (Info, bool) {
	info, ok := s[id]
	return info, ok
}

// Resolver computes activation orders from declared dependencies. It is
// stateless apart from its source and safe for concurrent use if the source is.
type Resolver struct {
	src InfoSource
}

// NewResolver returns a resolver over src.
func NewResolver(src InfoSource) *Resolver {
	return &Resolver{src: src}
}

type edge struct{ from, to string }

const (
	white = iota
	gray
	black
)

// Resolve returns the requested plugins plus their dependency closure in an
// order where every plugin follows the plugins it depends on. Required
// dependencies must exist and satisfy their version constraints. Optional
// dependencies are included only when they could themselves be activated.
// Among plugins with no ordering constraint between them, the smaller id comes first.
func (r *Resolver) Resolve(ids []string) ([]string, error) {
	roots := slices.Clone(ids)
	slices.Sort(roots)
	roots = slices.Compact(roots)
	for _, id := range roots {
		if _, ok := r.src.PluginInfo(id); !ok {
			return nil, notFound(id)
		}
	}

	included, err := r.closure(roots)
	if err != nil {
		return nil, err
	}
	kept, err := r.edges(included)
	if err != nil {
		return nil, err
	}
	return order(included, kept), nil
}

// closure collects the plugins to activate.
func (r *Resolver) closure(roots []string) (map[string]Info, error) {
	included := make(map[string]Info)
	memo := make(map[string]bool)
	missing := map[string]struct{}{}
	offender := ""

	queue := slices.Clone(roots)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, done := included[id]; done {
			continue
		}
		info, _ := r.src.PluginInfo(id)
		included[id] = info

		for _, dep := range sortedDeps(info) {
			depInfo, ok := r.src.PluginInfo(dep.PluginID)
			if !dep.Required {
				if ok && checkVersion(info.ID, dep, depInfo) == nil && r.loadable(dep.PluginID, memo, map[string]bool{}) {
					queue = append(queue, dep.PluginID)
				}
				continue
			}
			if !ok {
				if offender == "" {
					offender = info.ID
				}
				missing[dep.PluginID] = struct{}{}
				continue
			}
			if err := checkVersion(info.ID, dep, depInfo); err != nil {
				return nil, err
			}
			queue = append(queue, dep.PluginID)
		}
	}

	if len(missing) > 0 {
		ids := make([]string, 0, len(missing))
		for id := range missing {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		return nil, &MissingDependencyError{PluginID: offender, Missing: ids}
	}
	return included, nil
}

// Loadable reports whether id exists and its required closure resolves.
func (r *Resolver) Loadable(id string) bool {
	return r.loadable(id, map[string]bool{}, map[string]bool{})
}

func (r *Resolver) loadable(id string, memo, visiting map[string]bool) bool {
	if v, ok := memo[id]; ok {
		return v
	}
	if visiting[id] {
		return false
	}
	info, ok := r.src.PluginInfo(id)
	if !ok {
		memo[id] = false
		return false
	}
	visiting[id] = true
	result := true
	for _, dep := range info.Dependencies {
		if !dep.Required {
			continue
		}
		depInfo, ok := r.src.PluginInfo(dep.PluginID)
		if !ok || checkVersion(id, dep, depInfo) != nil || !r.loadable(dep.PluginID, memo, visiting) {
			result = false
			break
		}
	}
	delete(visiting, id)
	memo[id] = result
	return result
}

// edges returns the ordering constraints among included plugins. A
// three-colour DFS over required edges rejects required cycles; optional
// edges are then added one at a time unless they would close a cycle.
func (r *Resolver) edges(included map[string]Info) (map[edge]bool, error) {
	kept := make(map[edge]bool)
	color := make(map[string]int, len(included))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range sortedDeps(included[id]) {
			if !dep.Required {
				continue
			}
			kept[edge{from: id, to: dep.PluginID}] = true
			switch color[dep.PluginID] {
			case gray:
				start := slices.Index(stack, dep.PluginID)
				return &CycleError{Cycle: append(slices.Clone(stack[start:]), dep.PluginID)}
			case white:
				if err := visit(dep.PluginID); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	ids := sortedKeys(included)
	for _, id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return nil, err
			}
		}
	}

	for _, id := range ids {
		for _, dep := range sortedDeps(included[id]) {
			e := edge{from: id, to: dep.PluginID}
			if dep.Required || kept[e] {
				continue
			}
			if _, ok := included[dep.PluginID]; !ok || reaches(kept, dep.PluginID, id) {
				continue
			}
			kept[e] = true
		}
	}
	return kept, nil
}

// reaches reports whether to is reachable from from along kept edges.
func reaches(kept map[edge]bool, from, to string) bool {
	adjacent := make(map[string][]string)
	for e := range kept {
		adjacent[e.from] = append(adjacent[e.from], e.to)
	}
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			return true
		}
		for _, next := range adjacent[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// order is Kahn's algorithm always emitting the smallest ready id.
func order(included map[string]Info, kept map[edge]bool) []string {
	indegree := make(map[string]int, len(included))
	dependents := make(map[string][]string)
	for id := range included {
		indegree[id] = 0
	}
	for e := range kept {
		indegree[e.from]++
		dependents[e.to] = append(dependents[e.to], e.from)
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	out := make([]string, 0, len(included))
	for len(ready) > 0 {
		slices.Sort(ready)
		next := ready[0]
		ready = ready[1:]
		out = append(out, next)
		for _, d := range dependents[next] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	return out
}

func checkVersion(owner string, dep Dependency, info Info) error {
	if dep.VersionConstraint == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(dep.VersionConstraint)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidConfig, err,
			fmt.Sprintf("plugin %s: invalid version constraint %q for %s", owner, dep.VersionConstraint, dep.PluginID))
	}
	version, err := semver.NewVersion(info.Version)
	if err != nil || !constraint.Check(version) {
		return &VersionMismatchError{PluginID: owner, Dependency: dep.PluginID, Constraint: dep.VersionConstraint, Version: info.Version}
	}
	return nil
}

func sortedDeps(info Info) []Dependency {
	deps := slices.Clone(info.Dependencies)
	slices.SortStableFunc(deps, func(a, b Dependency) int {
		switch {
		case a.PluginID < b.PluginID:
			return -1
		case a.PluginID > b.PluginID:
			return 1
		}
		return 0
	})
	return deps
}

func sortedKeys(m map[string]Info) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
