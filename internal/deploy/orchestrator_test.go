package deploy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/example/forge/internal/manifest"
)

// fakeBackend records backend calls and answers readiness from a script of
// per-service countdowns.
type fakeBackend struct {
	applied    []string
	deleted    []deletion
	readyCalls map[string]int
	// readyAfter is how many readiness queries a service answers false
	// before turning ready. Services without an entry are ready at once.
	readyAfter map[string]int
	applyErr   map[string]error
	readyErr   map[string]error
	deleteErr  map[string]error
}

type deletion struct {
	service        string
	ignoreNotFound bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		readyCalls: map[string]int{},
		readyAfter: map[string]int{},
		applyErr:   map[string]error{},
		readyErr:   map[string]error{},
		deleteErr:  map[string]error{},
	}
}

func (f *fakeBackend) Apply(ctx context.Context, svc manifest.Service) error {
	if err := f.applyErr[svc.Name]; err != nil {
		return err
	}
	f.applied = append(f.applied, svc.Name)
	return nil
}

func (f *fakeBackend) Delete(ctx context.Context, svc manifest.Service, ignoreNotFound bool) error {
	if err := f.deleteErr[svc.Name]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, deletion{service: svc.Name, ignoreNotFound: ignoreNotFound})
	return nil
}

func (f *fakeBackend) Ready(ctx context.Context, svc manifest.Service) (bool, error) {
	if err := f.readyErr[svc.Name]; err != nil {
		return false, err
	}
	f.readyCalls[svc.Name]++
	if f.readyAfter[svc.Name] > 0 {
		f.readyAfter[svc.Name]--
		return false, nil
	}
	return true, nil
}

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{Services: []manifest.Service{
		{Name: "api", Image: "forge/api:latest", Category: manifest.CategoryServer, DependsOn: []string{"registry"}},
		{Name: "registry", Image: "registry:2", Category: manifest.CategoryServer, Bootstrap: true},
		{Name: "migrate", Image: "forge/migrate:latest", Category: manifest.CategoryJob},
		{Name: "netpol", Category: manifest.CategoryPolicy},
	}}
}

func fastOrchestrator(b Backend) *Orchestrator {
	o := New(b, logr.Discard())
	o.PollInterval = time.Millisecond
	o.ReadyTimeout = 20 * time.Millisecond
	return o
}

func TestDeployAppliesBootstrapFirst(t *testing.T) {
	b := newFakeBackend()
	o := fastOrchestrator(b)

	if err := o.Deploy(context.Background(), testManifest()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	want := []string{"registry", "api", "migrate", "netpol"}
	if len(b.applied) != len(want) {
		t.Fatalf("expected %v, got %v", want, b.applied)
	}
	for i := range want {
		if b.applied[i] != want[i] {
			t.Fatalf("expected apply order %v, got %v", want, b.applied)
		}
	}
}

func TestDeployOnlyWaitsOnServers(t *testing.T) {
	b := newFakeBackend()
	o := fastOrchestrator(b)

	if err := o.Deploy(context.Background(), testManifest()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if b.readyCalls["migrate"] != 0 || b.readyCalls["netpol"] != 0 {
		t.Fatalf("jobs and policies must not be polled for readiness: %v", b.readyCalls)
	}
	if b.readyCalls["registry"] == 0 || b.readyCalls["api"] == 0 {
		t.Fatalf("servers must be polled for readiness: %v", b.readyCalls)
	}
	for _, svc := range []string{"registry", "api", "migrate", "netpol"} {
		if got := o.Phase(svc); got != PhaseReady {
			t.Fatalf("service %q expected phase %s, got %s", svc, PhaseReady, got)
		}
	}
}

func TestDeployPollsUntilReady(t *testing.T) {
	b := newFakeBackend()
	b.readyAfter["api"] = 3
	o := fastOrchestrator(b)

	if err := o.Deploy(context.Background(), testManifest()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if got := b.readyCalls["api"]; got != 4 {
		t.Fatalf("expected 4 readiness queries (3 false, 1 true), got %d", got)
	}
}

func TestDeployTimesOut(t *testing.T) {
	b := newFakeBackend()
	b.readyAfter["registry"] = 1 << 30
	o := fastOrchestrator(b)

	start := time.Now()
	err := o.Deploy(context.Background(), testManifest())
	if err == nil {
		t.Fatalf("expected readiness timeout")
	}
	var timeout *ReadinessTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected *ReadinessTimeoutError, got %T: %v", err, err)
	}
	if timeout.Service != "registry" {
		t.Fatalf("timeout must name the stuck service, got %q", timeout.Service)
	}
	if timeout.Elapsed < o.ReadyTimeout {
		t.Fatalf("timeout fired early: elapsed %s < limit %s", timeout.Elapsed, o.ReadyTimeout)
	}
	// The accumulated wait must stay near the configured limit, not a
	// multiple of it.
	if waited := time.Since(start); waited > time.Second {
		t.Fatalf("deploy waited %s for a %s limit", waited, o.ReadyTimeout)
	}
	if got := o.Phase("registry"); got != PhaseFailed {
		t.Fatalf("expected phase %s, got %s", PhaseFailed, got)
	}
	if len(b.applied) != 1 {
		t.Fatalf("rollout must stop at the stuck service, applied: %v", b.applied)
	}
}

func TestDeployAbortsOnApplyFailure(t *testing.T) {
	b := newFakeBackend()
	b.applyErr["api"] = fmt.Errorf("image not found")
	o := fastOrchestrator(b)

	err := o.Deploy(context.Background(), testManifest())
	if err == nil {
		t.Fatalf("expected apply failure")
	}
	// registry applied, api failed, nothing after it was touched and
	// nothing was rolled back.
	if len(b.applied) != 1 || b.applied[0] != "registry" {
		t.Fatalf("unexpected applies: %v", b.applied)
	}
	if len(b.deleted) != 0 {
		t.Fatalf("failed rollout must not tear down applied services: %v", b.deleted)
	}
	if got := o.Phase("api"); got != PhaseFailed {
		t.Fatalf("expected phase %s, got %s", PhaseFailed, got)
	}
	if got := o.Phase("migrate"); got != PhasePending {
		t.Fatalf("untouched service must stay %s, got %s", PhasePending, got)
	}
}

func TestDeployStopsOnCancelledContext(t *testing.T) {
	b := newFakeBackend()
	b.readyAfter["registry"] = 1 << 30
	o := fastOrchestrator(b)
	o.ReadyTimeout = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := o.Deploy(ctx, testManifest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestTeardownDeletesInDeclaredOrder(t *testing.T) {
	b := newFakeBackend()
	o := fastOrchestrator(b)

	if err := o.Teardown(context.Background(), testManifest(), false); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	want := []string{"registry", "api", "migrate", "netpol"}
	if len(b.deleted) != len(want) {
		t.Fatalf("expected deletions %v, got %v", want, b.deleted)
	}
	for i, d := range b.deleted {
		if d.service != want[i] {
			t.Fatalf("expected deletion order %v, got %v", want, b.deleted)
		}
		if !d.ignoreNotFound {
			t.Fatalf("teardown must tolerate missing resources, %q did not", d.service)
		}
	}
}

func TestTeardownKeepsRegistry(t *testing.T) {
	b := newFakeBackend()
	o := fastOrchestrator(b)

	if err := o.Teardown(context.Background(), testManifest(), true); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	for _, d := range b.deleted {
		if d.service == "registry" {
			t.Fatalf("bootstrap service must survive a keep-registry teardown")
		}
	}
	if len(b.deleted) != 3 {
		t.Fatalf("expected 3 deletions, got %v", b.deleted)
	}
}

func TestReadinessErrorAbortsDeploy(t *testing.T) {
	b := newFakeBackend()
	b.readyErr["registry"] = fmt.Errorf("connection refused")
	o := fastOrchestrator(b)

	err := o.Deploy(context.Background(), testManifest())
	if err == nil || !errors.Is(err, b.readyErr["registry"]) {
		t.Fatalf("expected wrapped readiness error, got %v", err)
	}
}
