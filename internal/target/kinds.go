package target

import (
	"context"
	"fmt"
	"os"

	"github.com/example/forge/internal/config"
	"github.com/example/forge/internal/deploy"
	"github.com/example/forge/internal/manifest"
)

// Group is a meta target: an ordered list of sub-target invocations with no
// actions of its own. It reports Skipped only when every sub-target did.
type Group struct {
	TargetName string
	Desc       string
	Deps       []Invocation
}

func (g Group) Name() string        { return g.TargetName }
func (g Group) Description() string { return g.Desc }

func (g Group) Run(ctx context.Context, ex *Execution, opts config.Options) (Result, error) {
	skipped := len(g.Deps) > 0
	for _, inv := range g.Deps {
		res, err := ex.Dispatch(ctx, inv.Target, inv.apply(opts))
		if err != nil {
			return Result{}, err
		}
		skipped = skipped && res.Skipped
	}
	return Result{Skipped: skipped}, nil
}

// Switch dispatches to exactly one sub-target chosen by inspecting the
// options (dev vs release, precompiled vs compiled, and so on).
type Switch struct {
	TargetName string
	Desc       string
	Pick       func(config.Options) Invocation
}

func (s Switch) Name() string        { return s.TargetName }
func (s Switch) Description() string { return s.Desc }

func (s Switch) Run(ctx context.Context, ex *Execution, opts config.Options) (Result, error) {
	inv := s.Pick(opts)
	return ex.Dispatch(ctx, inv.Target, inv.apply(opts))
}

// Command is a leaf target: one or more external actions, optionally gated
// by the change cache through declared source and artifact paths. Path
// entries may use $RELEASE/$ARCH/$VERSION markers.
type Command struct {
	TargetName string
	Desc       string
	Deps       []Invocation
	// Sources are tracked inputs; a stale source forces the actions to run.
	Sources []string
	// Artifacts are tracked outputs; a missing or altered artifact forces
	// the actions to run, and each artifact must exist afterwards.
	Artifacts []string
	// OptionsKey, when set, fingerprints the option values the actions
	// depend on; a fingerprint change forces a rerun even with fresh paths.
	OptionsKey func(config.Options) map[string]string
	// Check validates option preconditions before anything executes.
	Check func(config.Options) error
	// Commands produces the argv list for each action, in run order.
	Commands func(config.Options) [][]string
}

func (c Command) Name() string        { return c.TargetName }
func (c Command) Description() string { return c.Desc }

func (c Command) Run(ctx context.Context, ex *Execution, opts config.Options) (Result, error) {
	if c.Check != nil {
		if err := c.Check(opts); err != nil {
			return Result{}, err
		}
	}
	for _, inv := range c.Deps {
		if _, err := ex.Dispatch(ctx, inv.Target, inv.apply(opts)); err != nil {
			return Result{}, err
		}
	}

	tracked := make([]string, 0, len(c.Sources)+len(c.Artifacts))
	for _, p := range append(append([]string{}, c.Sources...), c.Artifacts...) {
		tracked = append(tracked, opts.Expand(p))
	}
	stale := len(tracked) == 0 && c.OptionsKey == nil
	for _, p := range tracked {
		needs, err := ex.cache().NeedsRebuild(p)
		if err != nil {
			return Result{}, err
		}
		if needs {
			ex.log().V(1).Info("tracked path is stale", "target", c.TargetName, "path", p)
			stale = true
			break
		}
	}
	if !stale && c.OptionsKey != nil {
		changed, err := ex.cache().FlagsChanged(c.TargetName, c.OptionsKey(opts))
		if err != nil {
			return Result{}, err
		}
		if changed {
			ex.log().V(1).Info("build options changed", "target", c.TargetName)
			stale = true
		}
	}
	if !stale {
		ex.log().Info("target is up to date, skipping", "target", c.TargetName)
		return Result{Skipped: true}, nil
	}

	for _, argv := range c.Commands(opts) {
		if len(argv) == 0 {
			continue
		}
		if err := ex.exec().Run(ctx, argv[0], argv[1:]...); err != nil {
			return Result{}, err
		}
	}

	for _, p := range tracked {
		if err := ex.cache().Record(p); err != nil {
			return Result{}, err
		}
	}
	if c.OptionsKey != nil {
		if err := ex.cache().RecordFlags(c.TargetName, c.OptionsKey(opts)); err != nil {
			return Result{}, err
		}
	}
	return Result{}, nil
}

// Rollout is the deploy/teardown leaf: it renders the manifest template with
// the environment substitutions from the options and drives the orchestrator
// against the selected backend.
type Rollout struct {
	TargetName string
	Desc       string
	Down       bool
}

func (r Rollout) Name() string        { return r.TargetName }
func (r Rollout) Description() string { return r.Desc }

func (r Rollout) Run(ctx context.Context, ex *Execution, opts config.Options) (Result, error) {
	raw, err := os.ReadFile(opts.ManifestPath)
	if err != nil {
		return Result{}, fmt.Errorf("read manifest %q: %w", opts.ManifestPath, err)
	}
	m, err := manifest.Render(raw, manifest.Substitutions{
		ClusterDomain:      opts.ClusterDomain,
		DataStorageClass:   opts.DataStorageClass,
		ConfigStorageClass: opts.ConfigStorageClass,
	})
	if err != nil {
		return Result{}, err
	}
	backend, err := ex.backend(ctx, opts)
	if err != nil {
		return Result{}, err
	}
	orch := deploy.New(backend, ex.log())
	orch.ReadyTimeout = opts.ReadyTimeout
	if r.Down {
		return Result{}, orch.Teardown(ctx, m, opts.KeepRegistry)
	}
	return Result{}, orch.Deploy(ctx, m)
}
