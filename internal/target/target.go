// Package target resolves named build/deploy targets to the ordered actions
// they imply and executes them depth-first, left-to-right. Composite targets
// re-enter the graph in-process with a copied options value instead of
// re-invoking the program, so overrides flow down the call tree explicitly.
package target

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-logr/logr"

	"github.com/example/forge/internal/action"
	"github.com/example/forge/internal/config"
	"github.com/example/forge/internal/deploy"
	"github.com/example/forge/internal/hashcache"
)

// Result reports what a target did. Skipped means every gated action was up
// to date; callers may still want to do post-build bookkeeping (such as
// redeploying) even when nothing was recompiled.
type Result struct {
	Skipped bool
}

// Target is a named, composable unit of build/deploy work.
type Target interface {
	Name() string
	Description() string
	Run(ctx context.Context, ex *Execution, opts config.Options) (Result, error)
}

// Invocation names a sub-target and optionally overrides options for that
// sub-tree only. Without an override the caller's options are forwarded
// unchanged.
type Invocation struct {
	Target   string
	Override func(config.Options) config.Options
}

// Invoke is shorthand for an invocation without overrides.
func Invoke(name string) Invocation {
	return Invocation{Target: name}
}

func (inv Invocation) apply(opts config.Options) config.Options {
	if inv.Override == nil {
		return opts
	}
	return inv.Override(opts)
}

// BackendFactory builds the deployment backend selected by the options.
// Injected by the CLI so targets stay testable without a cluster or engine.
type BackendFactory func(ctx context.Context, opts config.Options) (deploy.Backend, error)

// UnknownTargetError reports a target name the graph does not know.
type UnknownTargetError struct {
	Name  string
	Known []string
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("unknown target %q (known targets: %s)", e.Name, strings.Join(e.Known, ", "))
}

// Graph holds every registered target plus the collaborators leaf targets
// need: the command executor, the change cache and the backend factory.
type Graph struct {
	targets  map[string]Target
	exec     action.Exec
	cache    *hashcache.Cache
	backends BackendFactory
	log      logr.Logger
}

// NewGraph returns a graph pre-populated with the builtin target table.
func NewGraph(exec action.Exec, cache *hashcache.Cache, backends BackendFactory, log logr.Logger) *Graph {
	g := &Graph{
		targets:  map[string]Target{},
		exec:     exec,
		cache:    cache,
		backends: backends,
		log:      log,
	}
	registerBuiltins(g)
	return g
}

// Register adds a target; duplicate names are a programming error.
func (g *Graph) Register(t Target) {
	if _, exists := g.targets[t.Name()]; exists {
		panic(fmt.Sprintf("target %q registered twice", t.Name()))
	}
	g.targets[t.Name()] = t
}

// Targets lists every registered target sorted by name.
func (g *Graph) Targets() []Target {
	out := make([]Target, 0, len(g.targets))
	for _, t := range g.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Resolve looks up a target by name.
func (g *Graph) Resolve(name string) (Target, error) {
	t, ok := g.targets[name]
	if !ok {
		known := make([]string, 0, len(g.targets))
		for n := range g.targets {
			known = append(known, n)
		}
		sort.Strings(known)
		return nil, &UnknownTargetError{Name: name, Known: known}
	}
	return t, nil
}

// Dispatch evaluates one top-level target. Targets shared between branches
// of the tree run at most once per dispatch.
func (g *Graph) Dispatch(ctx context.Context, name string, opts config.Options) (Result, error) {
	ex := &Execution{graph: g, done: map[string]Result{}}
	return ex.Dispatch(ctx, name, opts)
}

// Execution is the per-dispatch state: the dedup set of already-evaluated
// targets plus accessors for the graph's collaborators.
type Execution struct {
	graph *Graph
	done  map[string]Result
}

// Dispatch re-enters the graph for a sub-target, depth-first.
func (ex *Execution) Dispatch(ctx context.Context, name string, opts config.Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	t, err := ex.graph.Resolve(name)
	if err != nil {
		return Result{}, err
	}
	if res, ok := ex.done[name]; ok {
		return res, nil
	}
	ex.graph.log.V(1).Info("evaluating target", "target", name)
	res, err := t.Run(ctx, ex, opts)
	if err != nil {
		return Result{}, fmt.Errorf("target %q: %w", name, err)
	}
	ex.done[name] = res
	return res, nil
}

func (ex *Execution) exec() action.Exec       { return ex.graph.exec }
func (ex *Execution) cache() *hashcache.Cache { return ex.graph.cache }
func (ex *Execution) log() logr.Logger        { return ex.graph.log }

func (ex *Execution) backend(ctx context.Context, opts config.Options) (deploy.Backend, error) {
	if ex.graph.backends == nil {
		return nil, fmt.Errorf("no deployment backend configured")
	}
	return ex.graph.backends(ctx, opts)
}
