package manifest

import (
	"errors"
	"strings"
	"testing"
)

const template = `
services:
  - name: registry
    image: registry:2
    category: server
    bootstrap: true
    ports: [5000]
    env:
      REGISTRY_HOST: "registry.%CLUSTER_DOMAIN%"
    volumes:
      - name: data
        mountPath: /var/lib/registry
        storageClass: "%DATA_STORAGE_CLASS%"
        size: 10Gi
  - name: api
    image: forge/api:latest
    category: server
    dependsOn: [registry]
    ports: [8080]
    volumes:
      - name: config
        mountPath: /etc/forge
        storageClass: "%CONFIG_STORAGE_CLASS%"
        size: 1Gi
  - name: migrate
    image: forge/migrate:latest
    category: job
    dependsOn: [api]
  - name: netpol
    category: policy
`

func allSubstitutions() Substitutions {
	return Substitutions{
		ClusterDomain:      "cluster.local",
		DataStorageClass:   "fast-ssd",
		ConfigStorageClass: "standard",
	}
}

func TestRenderSubstitutesAllTokens(t *testing.T) {
	m, err := Render([]byte(template), allSubstitutions())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(m.Services) != 4 {
		t.Fatalf("expected 4 services, got %d", len(m.Services))
	}
	registry := m.Services[0]
	if got := registry.Env["REGISTRY_HOST"]; got != "registry.cluster.local" {
		t.Fatalf("cluster domain not substituted, got %q", got)
	}
	if got := registry.Volumes[0].StorageClass; got != "fast-ssd" {
		t.Fatalf("data storage class not substituted, got %q", got)
	}
	if got := m.Services[1].Volumes[0].StorageClass; got != "standard" {
		t.Fatalf("config storage class not substituted, got %q", got)
	}
}

func TestRenderFailsOnMissingSubstitution(t *testing.T) {
	subs := allSubstitutions()
	subs.ConfigStorageClass = ""
	_, err := Render([]byte(template), subs)
	if err == nil {
		t.Fatalf("expected unsubstituted placeholder error")
	}
	var unsub *UnsubstitutedPlaceholderError
	if !errors.As(err, &unsub) {
		t.Fatalf("expected *UnsubstitutedPlaceholderError, got %T: %v", err, err)
	}
	if unsub.Token != TokenConfigStorageClass {
		t.Fatalf("expected token %s, got %s", TokenConfigStorageClass, unsub.Token)
	}
	if unsub.Service != "api" {
		t.Fatalf("error must name the offending service, got %q", unsub.Service)
	}
}

func TestRenderLeavesServicesWithoutTokensUntouched(t *testing.T) {
	// Only the registry references the cluster domain; the other services
	// must come out identical whether or not the value is exotic.
	subs := allSubstitutions()
	subs.ClusterDomain = "weird.example.org"
	m, err := Render([]byte(template), subs)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	api := m.Services[1]
	if api.Image != "forge/api:latest" || api.Volumes[0].StorageClass != "standard" {
		t.Fatalf("unrelated service was rewritten: %+v", api)
	}
}

func TestRenderEscapesSubstitutionValues(t *testing.T) {
	subs := allSubstitutions()
	subs.ClusterDomain = `dom"ain\x`
	m, err := Render([]byte(template), subs)
	if err != nil {
		t.Fatalf("render with quote and backslash in value: %v", err)
	}
	if got := m.Services[0].Env["REGISTRY_HOST"]; got != `registry.dom"ain\x` {
		t.Fatalf("substitution value must survive verbatim, got %q", got)
	}
}

func TestRenderValidationFailures(t *testing.T) {
	cases := []struct {
		name     string
		manifest string
		wantSub  string
	}{
		{
			name: "duplicate service name",
			manifest: `
services:
  - {name: api, image: forge/api:latest, category: server}
  - {name: api, image: forge/api:latest, category: server}
`,
			wantSub: "declared twice",
		},
		{
			name: "two bootstrap services",
			manifest: `
services:
  - {name: a, image: forge/a:latest, category: server, bootstrap: true}
  - {name: b, image: forge/b:latest, category: server, bootstrap: true}
`,
			wantSub: "bootstrap",
		},
		{
			name: "unknown category",
			manifest: `
services:
  - {name: api, image: forge/api:latest, category: daemonset}
`,
			wantSub: "unknown category",
		},
		{
			name: "server without image",
			manifest: `
services:
  - {name: api, category: server}
`,
			wantSub: "no image",
		},
		{
			name: "invalid image reference",
			manifest: `
services:
  - {name: api, image: "forge/api:latest:extra", category: server}
`,
			wantSub: "invalid image reference",
		},
		{
			name: "dependency on undeclared service",
			manifest: `
services:
  - {name: api, image: forge/api:latest, category: server, dependsOn: [driver]}
`,
			wantSub: "depends on",
		},
		{
			name: "bootstrap with dependencies",
			manifest: `
services:
  - {name: api, image: forge/api:latest, category: server}
  - {name: registry, image: registry:2, category: server, bootstrap: true, dependsOn: [api]}
`,
			wantSub: "may not depend",
		},
		{
			name: "empty manifest",
			manifest: `
services: []
`,
			wantSub: "no services",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Render([]byte(tc.manifest), Substitutions{})
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("expected error mentioning %q, got: %v", tc.wantSub, err)
			}
		})
	}
}

func TestRenderAllowsDependencyOnLaterBootstrap(t *testing.T) {
	// The bootstrap service starts first regardless of where it is declared,
	// so depending on it is legal even from an earlier declaration.
	m, err := Render([]byte(`
services:
  - {name: api, image: forge/api:latest, category: server, dependsOn: [registry]}
  - {name: registry, image: registry:2, category: server, bootstrap: true}
`), Substitutions{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	ordered := m.Ordered()
	if ordered[0].Name != "registry" || ordered[1].Name != "api" {
		t.Fatalf("bootstrap must be ordered first, got %v", names(ordered))
	}
}

func TestOrderedKeepsDeclarationOrder(t *testing.T) {
	m, err := Render([]byte(template), allSubstitutions())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	got := names(m.Ordered())
	want := []string{"registry", "api", "migrate", "netpol"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func names(services []Service) []string {
	out := make([]string, len(services))
	for i, svc := range services {
		out[i] = svc.Name
	}
	return out
}
