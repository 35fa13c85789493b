// Package config defines the flag plumbing and runtime options shared by the
// forge build targets, translating Cobra/Viper flag values into a strongly
// typed struct that the target graph and deployment orchestrator consume.
package config

import (
	"fmt"
	"strings"
	"time"

	shellwords "github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Engine names accepted by --engine.
const (
	EngineDocker     = "docker"
	EngineKubernetes = "kube"
)

// Options holds all CLI configuration consumed by forge. It is resolved and
// validated exactly once per invocation and then passed by value into every
// component; nothing mutates it after Validate returns.
type Options struct {
	Arch            string
	Dev             bool
	Precompiled     bool
	PrecompiledPath string
	Version         string
	Containerized   bool

	Engine             string
	Namespace          string
	ClusterDomain      string
	DataStorageClass   string
	ConfigStorageClass string
	KeepRegistry       bool

	CacheDir     string
	ManifestPath string
	ReadyTimeout time.Duration

	BuildFlags string
	// BuildArgs is BuildFlags split into argv form by Validate.
	BuildArgs []string

	KubeConfigPath string
	KubeContext    string
}

var supportedArchs = []string{"amd64", "arm64"}

// NewOptions returns Options with defaults applied.
func NewOptions() *Options {
	return &Options{
		Arch:         "amd64",
		Version:      "latest",
		Engine:       EngineDocker,
		Namespace:    "forge",
		CacheDir:     "./.forge-cache",
		ManifestPath: "./manifests/services.yaml",
		ReadyTimeout: 60 * time.Second,
	}
}

// AddFlags binds configuration flags to the provided Cobra command.
func (o *Options) AddFlags(cmd *cobra.Command) {
	o.BindFlags(cmd.PersistentFlags())
}

// BindFlags attaches build/deploy flags to an arbitrary FlagSet and returns
// the flag names for further customization.
func (o *Options) BindFlags(fs *pflag.FlagSet) []string {
	var names []string
	fs.StringVarP(&o.Arch, "arch", "a", o.Arch, "Target processor architecture (amd64 or arm64)")
	names = append(names, "arch")
	fs.BoolVar(&o.Dev, "dev", false, "Build binaries and images in development mode (debug profile, bind-mounted binaries)")
	names = append(names, "dev")
	fs.BoolVar(&o.Precompiled, "precompiled", false, "Download precompiled artifacts instead of compiling locally")
	names = append(names, "precompiled")
	fs.StringVar(&o.PrecompiledPath, "precompiled-path", "", "Directory or URL prefix to take precompiled artifacts from (implies --precompiled)")
	names = append(names, "precompiled-path")
	fs.StringVarP(&o.Version, "version", "V", o.Version, "Version string baked into image tags and download URLs")
	names = append(names, "version")
	fs.BoolVar(&o.Containerized, "containerized", false, "Run compiler invocations inside the build image instead of on the host")
	names = append(names, "containerized")
	fs.StringVarP(&o.Engine, "engine", "e", o.Engine, "Deployment surface to target (docker or kube)")
	names = append(names, "engine")
	fs.StringVarP(&o.Namespace, "namespace", "n", o.Namespace, "Kubernetes namespace services are deployed into")
	names = append(names, "namespace")
	fs.StringVar(&o.ClusterDomain, "cluster-domain", "", "Cluster domain substituted into the service manifest")
	names = append(names, "cluster-domain")
	fs.StringVar(&o.DataStorageClass, "data-storage-class", "", "Storage class substituted for data volumes in the service manifest")
	names = append(names, "data-storage-class")
	fs.StringVar(&o.ConfigStorageClass, "config-storage-class", "", "Storage class substituted for shared-config volumes in the service manifest")
	names = append(names, "config-storage-class")
	fs.BoolVar(&o.KeepRegistry, "keep-registry", false, "Leave the bootstrap registry service running during teardown")
	names = append(names, "keep-registry")
	fs.StringVar(&o.CacheDir, "cache", o.CacheDir, "Directory holding the change-detection digest cache")
	names = append(names, "cache")
	fs.StringVarP(&o.ManifestPath, "manifest", "f", o.ManifestPath, "Path to the service manifest template")
	names = append(names, "manifest")
	fs.DurationVar(&o.ReadyTimeout, "ready-timeout", o.ReadyTimeout, "How long to wait for a deployed service to report ready")
	names = append(names, "ready-timeout")
	fs.StringVar(&o.BuildFlags, "build-flags", "", "Extra flags passed verbatim to compiler invocations (shell-quoted)")
	names = append(names, "build-flags")
	return names
}

// Validate ensures the provided options are coherent. Every complaint here is
// a configuration error reported before any target executes.
func (o *Options) Validate() error {
	o.Arch = strings.TrimSpace(strings.ToLower(o.Arch))
	archOK := false
	for _, a := range supportedArchs {
		if o.Arch == a {
			archOK = true
			break
		}
	}
	if !archOK {
		return fmt.Errorf("unsupported --arch %q (supported: %s)", o.Arch, strings.Join(supportedArchs, ", "))
	}
	if strings.TrimSpace(o.Version) == "" {
		return fmt.Errorf("--version may not be empty")
	}
	switch strings.ToLower(strings.TrimSpace(o.Engine)) {
	case EngineDocker:
		o.Engine = EngineDocker
	case EngineKubernetes, "kubernetes", "k8s":
		o.Engine = EngineKubernetes
	default:
		return fmt.Errorf("invalid --engine value %q (allowed: docker, kube)", o.Engine)
	}
	if strings.TrimSpace(o.CacheDir) == "" {
		return fmt.Errorf("--cache may not be empty")
	}
	if strings.TrimSpace(o.Namespace) == "" {
		return fmt.Errorf("--namespace may not be empty")
	}
	if o.PrecompiledPath != "" {
		o.Precompiled = true
	}
	if o.ReadyTimeout <= 0 {
		return fmt.Errorf("--ready-timeout must be positive, got %s", o.ReadyTimeout)
	}
	if strings.TrimSpace(o.BuildFlags) != "" {
		args, err := shellwords.Parse(o.BuildFlags)
		if err != nil {
			return fmt.Errorf("invalid --build-flags value %q: %w", o.BuildFlags, err)
		}
		o.BuildArgs = args
	}
	return nil
}

// Release names the build profile directory, mirroring the compiler's layout.
func (o Options) Release() string {
	if o.Dev {
		return "debug"
	}
	return "release"
}

// Expand substitutes $RELEASE, $ARCH and $VERSION markers in target path and
// URL templates with the resolved option values.
func (o Options) Expand(s string) string {
	return strings.NewReplacer(
		"$RELEASE", o.Release(),
		"$ARCH", o.Arch,
		"$VERSION", o.Version,
	).Replace(s)
}
