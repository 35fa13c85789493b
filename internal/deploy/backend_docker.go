// backend_docker.go runs manifest services on the local container engine by
// shelling out through the action runner, matching how builds drive docker.
package deploy

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/forge/internal/action"
	"github.com/example/forge/internal/manifest"
)

// DockerBackend deploys services as containers on the local engine. Every
// container joins a dedicated bridge network so services resolve each other
// by name, mirroring in-cluster DNS.
type DockerBackend struct {
	Exec action.Exec
	// Network is the bridge network joined by every container.
	Network string
	// Prefix namespaces container names so teardown only touches our own.
	Prefix string

	networkReady bool
}

var _ Backend = (*DockerBackend)(nil)

// NewDockerBackend returns a backend with the default forge network and
// container-name prefix.
func NewDockerBackend(exec action.Exec) *DockerBackend {
	return &DockerBackend{Exec: exec, Network: "forge", Prefix: "forge-"}
}

func (b *DockerBackend) containerName(svc manifest.Service) string {
	return b.Prefix + svc.Name
}

// Apply starts the service's container. Policy-only services have no local
// engine equivalent and are skipped. An existing container with the same
// name is replaced so re-deploying picks up fresh images.
func (b *DockerBackend) Apply(ctx context.Context, svc manifest.Service) error {
	if svc.Category == manifest.CategoryPolicy {
		return nil
	}
	if err := b.ensureNetwork(ctx); err != nil {
		return err
	}
	if err := b.removeContainer(ctx, b.containerName(svc)); err != nil {
		return err
	}
	args := []string{"run", "--detach", "--name", b.containerName(svc), "--network", b.Network}
	if svc.Category == manifest.CategoryServer {
		args = append(args, "--restart", "unless-stopped")
	}
	for _, port := range svc.Ports {
		args = append(args, "--publish", fmt.Sprintf("%d:%d", port, port))
	}
	for key, value := range svc.Env {
		args = append(args, "--env", fmt.Sprintf("%s=%s", key, value))
	}
	for _, vol := range svc.Volumes {
		args = append(args, "--volume", fmt.Sprintf("%s%s-%s:%s", b.Prefix, svc.Name, vol.Name, vol.MountPath))
	}
	args = append(args, svc.Image)
	return b.Exec.Run(ctx, "docker", args...)
}

// Ready reports whether the service's container is in the running state.
// Run-once and policy-only services are always ready.
func (b *DockerBackend) Ready(ctx context.Context, svc manifest.Service) (bool, error) {
	if svc.Category != manifest.CategoryServer {
		return true, nil
	}
	name := b.containerName(svc)
	exists, err := b.containerExists(ctx, name)
	if err != nil {
		// An unreachable engine is a hard failure, not a retry.
		return false, fmt.Errorf("query container %q: %w", name, err)
	}
	if !exists {
		// Not created yet; the poll loop retries.
		return false, nil
	}
	out, err := b.Exec.Output(ctx, "docker", "inspect", "--format", "{{.State.Running}}", name)
	if err != nil {
		// The container vanished between the two calls; retry.
		return false, nil
	}
	return strings.TrimSpace(out) == "true", nil
}

// Delete force-removes the service's container. A container that never
// existed only fails the call when ignoreNotFound is unset.
func (b *DockerBackend) Delete(ctx context.Context, svc manifest.Service, ignoreNotFound bool) error {
	if svc.Category == manifest.CategoryPolicy {
		return nil
	}
	name := b.containerName(svc)
	if ignoreNotFound {
		exists, err := b.containerExists(ctx, name)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
	}
	return b.Exec.Run(ctx, "docker", "rm", "--force", name)
}

func (b *DockerBackend) containerExists(ctx context.Context, name string) (bool, error) {
	out, err := b.Exec.Output(ctx, "docker", "ps", "--all", "--quiet", "--filter", "name=^"+name+"$")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func (b *DockerBackend) removeContainer(ctx context.Context, name string) error {
	exists, err := b.containerExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return b.Exec.Run(ctx, "docker", "rm", "--force", name)
}

func (b *DockerBackend) ensureNetwork(ctx context.Context) error {
	if b.networkReady {
		return nil
	}
	out, err := b.Exec.Output(ctx, "docker", "network", "ls", "--quiet", "--filter", "name=^"+b.Network+"$")
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) == "" {
		if err := b.Exec.Run(ctx, "docker", "network", "create", b.Network); err != nil {
			return err
		}
	}
	b.networkReady = true
	return nil
}
