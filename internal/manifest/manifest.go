// Package manifest models the service manifest that describes every service
// of a deployment: name, image, start-order dependencies, readiness category
// and volumes. The manifest on disk is a template; Render substitutes the
// environment placeholders and validates the result.
package manifest

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
)

// Category decides whether the orchestrator blocks on a service's readiness.
type Category string

const (
	// CategoryServer marks a long-running service the rollout waits on.
	CategoryServer Category = "server"
	// CategoryJob marks a run-once workload; applied but never waited on.
	CategoryJob Category = "job"
	// CategoryPolicy marks policy-only resources with no runtime readiness.
	CategoryPolicy Category = "policy"
)

// Volume is a persistent volume a service mounts. StorageClass usually
// arrives as a manifest placeholder and is concrete after rendering.
type Volume struct {
	Name         string `json:"name"`
	MountPath    string `json:"mountPath"`
	StorageClass string `json:"storageClass,omitempty"`
	Size         string `json:"size,omitempty"`
}

// Service describes one deployable service.
type Service struct {
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	Category  Category          `json:"category"`
	Bootstrap bool              `json:"bootstrap,omitempty"`
	DependsOn []string          `json:"dependsOn,omitempty"`
	Replicas  int32             `json:"replicas,omitempty"`
	Ports     []int32           `json:"ports,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Volumes   []Volume          `json:"volumes,omitempty"`
}

// Manifest is the rendered, validated service list.
type Manifest struct {
	Services []Service `json:"services"`
}

// Bootstrap returns the designated bootstrap service, or nil when the
// manifest declares none.
func (m *Manifest) Bootstrap() *Service {
	for i := range m.Services {
		if m.Services[i].Bootstrap {
			return &m.Services[i]
		}
	}
	return nil
}

// Ordered returns the apply order: the bootstrap service first, then the
// remaining services in declaration order. Teardown uses the same order.
func (m *Manifest) Ordered() []Service {
	out := make([]Service, 0, len(m.Services))
	if boot := m.Bootstrap(); boot != nil {
		out = append(out, *boot)
	}
	for _, svc := range m.Services {
		if svc.Bootstrap {
			continue
		}
		out = append(out, svc)
	}
	return out
}

// validate checks structural invariants after rendering: unique names, a
// single bootstrap service, parseable image references, known categories,
// and dependencies that point at the bootstrap service or at services
// declared earlier (so the apply order is a valid start order).
func (m *Manifest) validate() error {
	if len(m.Services) == 0 {
		return fmt.Errorf("manifest declares no services")
	}
	bootstrap := ""
	bootstraps := 0
	names := map[string]bool{}
	for _, svc := range m.Services {
		if svc.Name == "" {
			return fmt.Errorf("manifest contains a service without a name")
		}
		if names[svc.Name] {
			return fmt.Errorf("service %q is declared twice", svc.Name)
		}
		names[svc.Name] = true
		if svc.Bootstrap {
			bootstraps++
			bootstrap = svc.Name
		}
	}
	if bootstraps > 1 {
		return fmt.Errorf("manifest declares %d bootstrap services, at most one is allowed", bootstraps)
	}
	declared := map[string]bool{}
	for _, svc := range m.Services {
		switch svc.Category {
		case CategoryServer, CategoryJob:
			if svc.Image == "" {
				return fmt.Errorf("service %q has no image", svc.Name)
			}
		case CategoryPolicy:
			// Policy-only entries run nothing; no image required.
		case "":
			return fmt.Errorf("service %q has no category (expected server, job, or policy)", svc.Name)
		default:
			return fmt.Errorf("service %q has unknown category %q", svc.Name, svc.Category)
		}
		if svc.Image != "" {
			if _, err := name.ParseReference(svc.Image); err != nil {
				return fmt.Errorf("service %q has invalid image reference %q: %w", svc.Name, svc.Image, err)
			}
		}
		if svc.Bootstrap && len(svc.DependsOn) > 0 {
			return fmt.Errorf("bootstrap service %q may not depend on other services", svc.Name)
		}
		for _, dep := range svc.DependsOn {
			if dep == bootstrap {
				continue
			}
			if !declared[dep] {
				return fmt.Errorf("service %q depends on %q which is not declared before it", svc.Name, dep)
			}
		}
		declared[svc.Name] = true
	}
	return nil
}
