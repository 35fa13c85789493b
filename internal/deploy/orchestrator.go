// Package deploy drives rollout and teardown of the service manifest against
// a deployment backend, gating each long-running service on readiness.
package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/example/forge/internal/manifest"
)

// Phase is the per-service rollout state.
type Phase string

const (
	PhasePending      Phase = "Pending"
	PhaseApplying     Phase = "Applying"
	PhaseWaitingReady Phase = "WaitingReady"
	PhaseReady        Phase = "Ready"
	PhaseFailed       Phase = "Failed"
)

// Backend is the deployment surface the orchestrator talks to: the local
// container engine or a Kubernetes cluster.
type Backend interface {
	Apply(ctx context.Context, svc manifest.Service) error
	// Delete removes the service's resources. With ignoreNotFound set a
	// missing resource is not an error, so tearing down a partial prior
	// deployment succeeds.
	Delete(ctx context.Context, svc manifest.Service, ignoreNotFound bool) error
	// Ready reports whether the service is fully available.
	Ready(ctx context.Context, svc manifest.Service) (bool, error)
}

// ReadinessTimeoutError reports a service that never became ready within the
// configured window.
type ReadinessTimeoutError struct {
	Service string
	Elapsed time.Duration
}

func (e *ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("service %q did not become ready within %s", e.Service, e.Elapsed)
}

// Orchestrator applies and removes services in dependency order, strictly
// sequentially: the next service is not touched until the current one is
// applied and (where applicable) ready.
type Orchestrator struct {
	backend Backend
	log     logr.Logger

	// PollInterval is how often readiness is re-queried.
	PollInterval time.Duration
	// ReadyTimeout bounds the total wait per service.
	ReadyTimeout time.Duration

	phases map[string]Phase
}

// New returns an Orchestrator with the default half-second poll interval and
// one-minute readiness timeout.
func New(backend Backend, log logr.Logger) *Orchestrator {
	return &Orchestrator{
		backend:      backend,
		log:          log,
		PollInterval: 500 * time.Millisecond,
		ReadyTimeout: 60 * time.Second,
		phases:       map[string]Phase{},
	}
}

// Phase returns the recorded rollout state for a service.
func (o *Orchestrator) Phase(service string) Phase {
	if p, ok := o.phases[service]; ok {
		return p
	}
	return PhasePending
}

func (o *Orchestrator) setPhase(svc string, p Phase) {
	o.phases[svc] = p
	o.log.V(1).Info("service phase changed", "service", svc, "phase", p)
}

// Deploy applies every service of the manifest: the bootstrap service first,
// then the rest in declaration order. Long-running services block the
// rollout until ready or until the timeout elapses; run-once and policy-only
// services are applied without waiting. The first failure aborts the rest of
// the rollout and leaves already-applied services running.
func (o *Orchestrator) Deploy(ctx context.Context, m *manifest.Manifest) error {
	for _, svc := range m.Ordered() {
		o.setPhase(svc.Name, PhaseApplying)
		o.log.Info("applying service", "service", svc.Name, "image", svc.Image, "category", svc.Category)
		if err := o.backend.Apply(ctx, svc); err != nil {
			o.setPhase(svc.Name, PhaseFailed)
			return fmt.Errorf("apply service %q: %w", svc.Name, err)
		}
		if svc.Category != manifest.CategoryServer {
			o.setPhase(svc.Name, PhaseReady)
			continue
		}
		o.setPhase(svc.Name, PhaseWaitingReady)
		if err := o.waitReady(ctx, svc); err != nil {
			o.setPhase(svc.Name, PhaseFailed)
			return err
		}
		o.setPhase(svc.Name, PhaseReady)
		o.log.Info("service ready", "service", svc.Name)
	}
	return nil
}

// waitReady polls the backend at the fixed interval until the service is
// ready, the context is cancelled, or the accumulated wait exceeds the
// timeout.
func (o *Orchestrator) waitReady(ctx context.Context, svc manifest.Service) error {
	elapsed := time.Duration(0)
	for {
		ready, err := o.backend.Ready(ctx, svc)
		if err != nil {
			return fmt.Errorf("query readiness of service %q: %w", svc.Name, err)
		}
		if ready {
			return nil
		}
		if elapsed >= o.ReadyTimeout {
			return &ReadinessTimeoutError{Service: svc.Name, Elapsed: elapsed}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.PollInterval):
			elapsed += o.PollInterval
		}
	}
}

// Teardown removes the manifest's services in the same declared order as
// Deploy (not reversed), tolerating resources that were never applied. When
// keepRegistry is set the bootstrap service is left running so the next
// deployment can reuse it.
func (o *Orchestrator) Teardown(ctx context.Context, m *manifest.Manifest, keepRegistry bool) error {
	for _, svc := range m.Ordered() {
		if keepRegistry && svc.Bootstrap {
			o.log.Info("keeping bootstrap service", "service", svc.Name)
			continue
		}
		o.log.Info("removing service", "service", svc.Name)
		if err := o.backend.Delete(ctx, svc, true); err != nil {
			return fmt.Errorf("remove service %q: %w", svc.Name, err)
		}
		o.setPhase(svc.Name, PhasePending)
	}
	return nil
}
