// builtin.go declares the target table: the services that make up the
// platform and the build, install, push, and rollout targets over them.
package target

import (
	"fmt"
	"os"

	"github.com/example/forge/internal/config"
)

// services are the platform components built from the local source tree, in
// the order their images are produced.
var services = []string{"api", "driver", "planner", "proxy"}

// registryImage is the upstream image reused for the bootstrap registry.
const registryImage = "registry:2"

func serviceSourceDir(svc string) string { return "./services/" + svc }
func serviceBinary(svc string) string    { return "./target/$RELEASE/" + svc }
func serviceImageTar(svc string) string  { return "./target/$RELEASE/" + svc + ".tar" }
func serviceImageRef(svc string) string  { return "forge/" + svc + ":$VERSION" }
func registryTarPath() string            { return "./target/$RELEASE/aux-registry.tar" }

// buildFingerprint captures the option values compiled artifacts depend on.
func buildFingerprint(opts config.Options) map[string]string {
	return map[string]string{
		"arch":          opts.Arch,
		"dev":           fmt.Sprintf("%t", opts.Dev),
		"containerized": fmt.Sprintf("%t", opts.Containerized),
	}
}

func cargoBuild(opts config.Options, pkg string) []string {
	argv := []string{"cargo", "build", "--package", pkg}
	if !opts.Dev {
		argv = append(argv, "--release")
	}
	argv = append(argv, opts.BuildArgs...)
	return argv
}

func registerBuiltins(g *Graph) {
	registerTestTargets(g)
	registerBuildImage(g)
	for _, svc := range services {
		registerService(g, svc)
	}
	registerRegistry(g)
	registerCLI(g)
	registerGroups(g)
	registerRollouts(g)
}

func registerTestTargets(g *Graph) {
	g.Register(Command{
		TargetName: "test-units",
		Desc:       "Runs the workspace unit tests.",
		Commands: func(opts config.Options) [][]string {
			return [][]string{{"cargo", "test", "--workspace", "--all-features"}}
		},
	})
	g.Register(Command{
		TargetName: "test-lint",
		Desc:       "Runs the linter over the workspace.",
		Commands: func(opts config.Options) [][]string {
			return [][]string{{"cargo", "clippy", "--workspace", "--all-targets"}}
		},
	})
	g.Register(Group{
		TargetName: "test",
		Desc:       "Runs the unit tests and the linter.",
		Deps:       []Invocation{Invoke("test-units"), Invoke("test-lint")},
	})
}

func registerBuildImage(g *Graph) {
	g.Register(Command{
		TargetName: "build-image",
		Desc:       "Builds the image used for containerized compiler invocations.",
		Sources:    []string{"./contrib/images/Dockerfile.build"},
		Commands: func(opts config.Options) [][]string {
			return [][]string{{
				"docker", "build",
				"--file", "./contrib/images/Dockerfile.build",
				"--tag", opts.Expand("forge/build:$VERSION"),
				".",
			}}
		},
	})
}

func registerService(g *Graph, svc string) {
	localName := svc + "-binary-local"
	containerName := svc + "-binary-containerized"

	g.Register(Command{
		TargetName: localName,
		Desc:       fmt.Sprintf("Compiles the %s service binary on the host.", svc),
		Sources:    []string{serviceSourceDir(svc)},
		Artifacts:  []string{serviceBinary(svc)},
		OptionsKey: buildFingerprint,
		Commands: func(opts config.Options) [][]string {
			return [][]string{cargoBuild(opts, svc)}
		},
	})
	g.Register(Command{
		TargetName: containerName,
		Desc:       fmt.Sprintf("Compiles the %s service binary inside the build image.", svc),
		Deps:       []Invocation{Invoke("build-image")},
		Sources:    []string{serviceSourceDir(svc)},
		Artifacts:  []string{serviceBinary(svc)},
		OptionsKey: buildFingerprint,
		Commands: func(opts config.Options) [][]string {
			wd, err := os.Getwd()
			if err != nil {
				wd = "."
			}
			argv := []string{
				"docker", "run", "--rm",
				"--volume", wd + ":/build",
				"--workdir", "/build",
				opts.Expand("forge/build:$VERSION"),
			}
			argv = append(argv, cargoBuild(opts, svc)...)
			return [][]string{argv}
		},
	})

	g.Register(Switch{
		TargetName: svc + "-binary",
		Desc:       fmt.Sprintf("Builds the %s service binary, on the host or containerized.", svc),
		Pick: func(opts config.Options) Invocation {
			if opts.Containerized {
				return Invoke(containerName)
			}
			return Invoke(localName)
		},
	})

	g.Register(Command{
		TargetName: svc + "-image",
		Desc:       fmt.Sprintf("Builds the %s service container image and saves it to a tar.", svc),
		Deps:       []Invocation{Invoke(svc + "-binary")},
		Sources:    []string{serviceBinary(svc)},
		Artifacts:  []string{serviceImageTar(svc)},
		OptionsKey: buildFingerprint,
		Commands: func(opts config.Options) [][]string {
			return [][]string{
				{
					"docker", "build",
					"--file", "./Dockerfile",
					"--build-arg", "SERVICE=" + svc,
					"--build-arg", opts.Expand("BIN=" + serviceBinary(svc)),
					"--tag", opts.Expand(serviceImageRef(svc)),
					".",
				},
				{"docker", "save", "--output", opts.Expand(serviceImageTar(svc)), opts.Expand(serviceImageRef(svc))},
			}
		},
	})
	g.Register(Command{
		TargetName: "install-" + svc + "-image",
		Desc:       fmt.Sprintf("Loads the %s image tar into the local engine.", svc),
		Deps:       []Invocation{Invoke(svc + "-image")},
		Sources:    []string{serviceImageTar(svc)},
		Commands: func(opts config.Options) [][]string {
			return [][]string{{"docker", "load", "--input", opts.Expand(serviceImageTar(svc))}}
		},
	})
}

func registerRegistry(g *Graph) {
	g.Register(Command{
		TargetName: "registry-image",
		Desc:       "Pulls the bootstrap registry image and saves it to a tar.",
		Artifacts:  []string{registryTarPath()},
		Commands: func(opts config.Options) [][]string {
			return [][]string{
				{"docker", "pull", registryImage},
				{"docker", "save", "--output", opts.Expand(registryTarPath()), registryImage},
			}
		},
	})
	g.Register(Command{
		TargetName: "install-registry-image",
		Desc:       "Loads the bootstrap registry image tar into the local engine.",
		Deps:       []Invocation{Invoke("registry-image")},
		Sources:    []string{registryTarPath()},
		Commands: func(opts config.Options) [][]string {
			return [][]string{{"docker", "load", "--input", opts.Expand(registryTarPath())}}
		},
	})
}

func registerCLI(g *Graph) {
	g.Register(Command{
		TargetName: "cli-download",
		Desc:       "Downloads a precompiled forge CLI binary.",
		Artifacts:  []string{"./target/$RELEASE/forge"},
		OptionsKey: func(opts config.Options) map[string]string {
			return map[string]string{"version": opts.Version, "arch": opts.Arch}
		},
		Commands: func(opts config.Options) [][]string {
			base := opts.PrecompiledPath
			if base == "" {
				base = "https://github.com/example/forge/releases/download/v$VERSION"
			}
			url := opts.Expand(base + "/forge-linux-$ARCH")
			out := opts.Expand("./target/$RELEASE/forge")
			return [][]string{
				{"mkdir", "-p", opts.Expand("./target/$RELEASE")},
				{"curl", "-fsSL", "--output", out, url},
				{"chmod", "+x", out},
			}
		},
	})
	g.Register(Command{
		TargetName: "cli-build",
		Desc:       "Compiles the forge CLI from the local source tree.",
		Sources:    []string{"./cli"},
		Artifacts:  []string{"./target/$RELEASE/forge"},
		OptionsKey: buildFingerprint,
		Commands: func(opts config.Options) [][]string {
			return [][]string{cargoBuild(opts, "cli")}
		},
	})
	g.Register(Switch{
		TargetName: "cli",
		Desc:       "Builds the forge CLI, or downloads it with --precompiled.",
		Pick: func(opts config.Options) Invocation {
			if opts.Precompiled {
				return Invoke("cli-download")
			}
			return Invoke("cli-build")
		},
	})
	g.Register(Command{
		TargetName: "install-cli",
		Desc:       "Installs the CLI binary into /usr/local/bin.",
		Deps:       []Invocation{Invoke("cli")},
		Sources:    []string{"./target/$RELEASE/forge"},
		Commands: func(opts config.Options) [][]string {
			return [][]string{{"sudo", "install", "-m", "0755", opts.Expand("./target/$RELEASE/forge"), "/usr/local/bin/forge"}}
		},
	})
}

func registerGroups(g *Graph) {
	images := make([]Invocation, 0, len(services)+1)
	installs := make([]Invocation, 0, len(services)+1)
	for _, svc := range services {
		images = append(images, Invoke(svc+"-image"))
		installs = append(installs, Invoke("install-"+svc+"-image"))
	}
	images = append(images, Invoke("registry-image"))
	installs = append(installs, Invoke("install-registry-image"))

	g.Register(Group{
		TargetName: "instance",
		Desc:       "Builds every service image plus the bootstrap registry image.",
		Deps:       images,
	})
	g.Register(Group{
		TargetName: "install-instance",
		Desc:       "Loads every built image into the local engine.",
		Deps:       installs,
	})
	g.Register(Group{
		TargetName: "all",
		Desc:       "Builds and installs everything needed for a typical deployment.",
		Deps:       []Invocation{Invoke("instance"), Invoke("install-instance")},
	})
}

func registerRollouts(g *Graph) {
	g.Register(Command{
		TargetName: "push-images",
		Desc:       "Tags and pushes every service image into the cluster registry.",
		Deps:       []Invocation{Invoke("install-instance")},
		Check: func(opts config.Options) error {
			if opts.ClusterDomain == "" {
				return fmt.Errorf("push-images requires --cluster-domain")
			}
			return nil
		},
		Commands: func(opts config.Options) [][]string {
			var cmds [][]string
			for _, svc := range services {
				local := opts.Expand(serviceImageRef(svc))
				remote := opts.Expand("registry." + opts.ClusterDomain + "/" + serviceImageRef(svc))
				cmds = append(cmds,
					[]string{"docker", "tag", local, remote},
					[]string{"docker", "push", remote},
				)
			}
			return cmds
		},
	})
	g.Register(Rollout{
		TargetName: "start",
		Desc:       "Deploys the service manifest and waits for readiness.",
	})
	g.Register(Rollout{
		TargetName: "stop",
		Desc:       "Tears the deployed services down in declaration order.",
		Down:       true,
	})
}
