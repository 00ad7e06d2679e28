package plugin

import (
	"errors"
	"fmt"
	"slices"
	"testing"

	xerrors "plumcp/internal/errors"
)

func source(infos ...Info) StaticSource {
	src := StaticSource{}
	for _, info := range infos {
		if info.Version == "" {
			info.Version = "1.0.0"
		}
		src[info.ID] = info
	}
	return src
}

func TestResolveChainOrdersDependenciesFirst(t *testing.T) {
	r := NewResolver(source(
		Info{ID: "A", Dependencies: []Dependency{requires("B")}},
		Info{ID: "B", Dependencies: []Dependency{requires("C")}},
		Info{ID: "C"},
	))
	got, err := r.Resolve([]string{"A"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !slices.Equal(got, []string{"C", "B", "A"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestResolveBreaksTiesByID(t *testing.T) {
	r := NewResolver(source(
		Info{ID: "app", Dependencies: []Dependency{requires("zlib"), requires("core")}},
		Info{ID: "zlib"},
		Info{ID: "core"},
		Info{ID: "beta"},
	))
	got, err := r.Resolve([]string{"beta", "app"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !slices.Equal(got, []string{"beta", "core", "zlib", "app"}) {
		t.Fatalf("unexpected order %v", got)
	}
	again, _ := r.Resolve([]string{"app", "beta", "app"})
	if !slices.Equal(got, again) {
		t.Fatalf("order must not depend on request order: %v vs %v", got, again)
	}
}

func TestResolveReportsRequiredCycle(t *testing.T) {
	r := NewResolver(source(
		Info{ID: "A", Dependencies: []Dependency{requires("B")}},
		Info{ID: "B", Dependencies: []Dependency{requires("A")}},
	))
	_, err := r.Resolve([]string{"A"})
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if !slices.Equal(cycle.Cycle, []string{"A", "B", "A"}) {
		t.Fatalf("unexpected cycle %v", cycle.Cycle)
	}
	if !errors.Is(err, ErrCyclicDependency) || !xerrors.ShouldAlert(err) {
		t.Fatalf("cycle must be an alerting CYCLIC_DEPENDENCY error")
	}
}

func TestResolveMissingListsEveryAbsentDependency(t *testing.T) {
	r := NewResolver(source(
		Info{ID: "A", Dependencies: []Dependency{requires("B"), requires("ghost"), requires("phantom")}},
		Info{ID: "B", Dependencies: []Dependency{requires("spirit")}},
	))
	_, err := r.Resolve([]string{"A"})
	var missing *MissingDependencyError
	if !errors.As(err, &missing) {
		t.Fatalf("expected missing dependency, got %v", err)
	}
	if missing.PluginID != "A" {
		t.Fatalf("unexpected offender %s", missing.PluginID)
	}
	if !slices.Equal(missing.Missing, []string{"ghost", "phantom", "spirit"}) {
		t.Fatalf("unexpected missing set %v", missing.Missing)
	}
}

func TestResolveUnknownRoot(t *testing.T) {
	_, err := NewResolver(source()).Resolve([]string{"nope"})
	if !errors.Is(err, ErrPluginNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResolveOptionalDependencies(t *testing.T) {
	cases := []struct {
		name  string
		infos []Info
		want  []string
	}{
		{
			name: "present optional is ordered first",
			infos: []Info{
				{ID: "ai", Dependencies: []Dependency{optional("vfs")}},
				{ID: "vfs"},
			},
			want: []string{"vfs", "ai"},
		},
		{
			name:  "absent optional is skipped",
			infos: []Info{{ID: "ai", Dependencies: []Dependency{optional("vfs")}}},
			want:  []string{"ai"},
		},
		{
			name: "optional with unresolvable closure is skipped",
			infos: []Info{
				{ID: "ai", Dependencies: []Dependency{optional("vfs")}},
				{ID: "vfs", Dependencies: []Dependency{requires("disk")}},
			},
			want: []string{"ai"},
		},
		{
			name: "optional edge closing a cycle is dropped",
			infos: []Info{
				{ID: "a", Dependencies: []Dependency{requires("b")}},
				{ID: "b", Dependencies: []Dependency{optional("a")}},
			},
			want: []string{"b", "a"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewResolver(source(tc.infos...))
			roots := []string{tc.infos[0].ID}
			if tc.name == "optional edge closing a cycle is dropped" {
				roots = []string{"b", "a"}
			}
			got, err := r.Resolve(roots)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if !slices.Equal(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestResolveVersionConstraints(t *testing.T) {
	base := Info{ID: "lib", Version: "1.4.2"}
	cases := []struct {
		constraint string
		wantCode   xerrors.Code
	}{
		{constraint: ">= 1.2, < 2", wantCode: ""},
		{constraint: "^2.0", wantCode: CodeVersionMismatch},
		{constraint: "not a constraint", wantCode: xerrors.CodeInvalidConfig},
	}
	for _, tc := range cases {
		t.Run(tc.constraint, func(t *testing.T) {
			r := NewResolver(source(base, Info{ID: "app", Dependencies: []Dependency{{PluginID: "lib", VersionConstraint: tc.constraint, Required: true}}}))
			_, err := r.Resolve([]string{"app"})
			if tc.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			if got := xerrors.CodeOf(err); got != tc.wantCode {
				t.Fatalf("expected %s, got %s (%v)", tc.wantCode, got, err)
			}
		})
	}
}

func TestOptionalVersionMismatchIsSkipped(t *testing.T) {
	r := NewResolver(source(
		Info{ID: "lib", Version: "0.9.0"},
		Info{ID: "app", Dependencies: []Dependency{{PluginID: "lib", VersionConstraint: ">= 1.0"}}},
	))
	got, err := r.Resolve([]string{"app"})
	if err != nil || fmt.Sprint(got) != "[app]" {
		t.Fatalf("expected [app], got %v %v", got, err)
	}
}

func TestLoadable(t *testing.T) {
	r := NewResolver(source(
		Info{ID: "ok", Dependencies: []Dependency{requires("leaf")}},
		Info{ID: "leaf"},
		Info{ID: "broken", Dependencies: []Dependency{requires("gone")}},
		Info{ID: "loop", Dependencies: []Dependency{requires("loop2")}},
		Info{ID: "loop2", Dependencies: []Dependency{requires("loop")}},
	))
	for id, want := range map[string]bool{"ok": true, "leaf": true, "broken": false, "loop": false, "absent": false} {
		if got := r.Loadable(id); got != want {
			t.Fatalf("Loadable(%s) = %v, want %v", id, got, want)
		}
	}
}
