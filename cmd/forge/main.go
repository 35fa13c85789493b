// main.go bootstraps forge: it builds the root Cobra command, wires the
// Viper environment/config overlay, and executes with a signal-aware context.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/example/forge/internal/action"
	"github.com/example/forge/internal/config"
	"github.com/example/forge/internal/deploy"
	"github.com/example/forge/internal/hashcache"
	"github.com/example/forge/internal/kube"
	"github.com/example/forge/internal/logging"
	"github.com/example/forge/internal/target"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		handleError(err)
		os.Exit(exitCode(err))
	}
}

func newRootCommand() *cobra.Command {
	opts := config.NewOptions()
	var kubeconfigPath string
	var kubeContext string
	logLevel := "info"

	cmd := &cobra.Command{
		Use:           "forge TARGET...",
		Short:         "Build-and-deploy orchestrator for the platform services",
		Long:          "forge decides which build, push and deploy actions a target implies, skips work whose inputs did not change, and rolls services out in dependency order.",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTargets(cmd, args, opts, &kubeconfigPath, &kubeContext, &logLevel)
		},
	}
	cmd.PersistentFlags().StringVarP(&kubeconfigPath, "kubeconfig", "k", "", "Path to the kubeconfig file to use for cluster deployments")
	cmd.PersistentFlags().StringVarP(&kubeContext, "context", "K", "", "Name of the kubeconfig context to use")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", logLevel, "Log level for forge output (debug, info, warn, error)")
	opts.BindFlags(cmd.Flags())

	cmd.AddCommand(
		newTargetsCommand(),
		newVersionCommand(),
	)
	cmd.Example = `  # Build and install every service image
  forge all

  # Rebuild one service in development mode
  forge api-image --dev

  # Deploy to a cluster and wait for readiness
  forge start --engine kube --cluster-domain forge.example.org \
    --data-storage-class fast-ssd --config-storage-class shared-nfs

  # Tear everything down but keep the registry for the next rollout
  forge stop --engine kube --keep-registry`
	bindViper(cmd)
	return cmd
}

func runTargets(cmd *cobra.Command, args []string, opts *config.Options, kubeconfigPath, kubeContext, logLevel *string) error {
	if len(args) == 0 {
		return fmt.Errorf("no target given (run 'forge targets' to list them)")
	}
	logger, err := logging.New(*logLevel)
	if err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	opts.KubeConfigPath = *kubeconfigPath
	opts.KubeContext = *kubeContext

	runner := action.NewRunner()
	cache, err := hashcache.New(opts.CacheDir)
	if err != nil {
		return err
	}
	graph := target.NewGraph(runner, cache, newBackendFactory(runner), logger)
	// Every requested name must resolve before the first target runs; a typo
	// in a later argument must not leave earlier targets half-executed.
	for _, name := range args {
		if _, err := graph.Resolve(name); err != nil {
			return err
		}
	}
	for _, name := range args {
		res, err := graph.Dispatch(cmd.Context(), name, *opts)
		if err != nil {
			return err
		}
		if res.Skipped {
			logger.Info("nothing to do for target", "target", name)
		}
	}
	return nil
}

// newBackendFactory selects the deployment surface at rollout time so build
// targets never touch a cluster.
func newBackendFactory(runner *action.Runner) target.BackendFactory {
	return func(ctx context.Context, opts config.Options) (deploy.Backend, error) {
		switch opts.Engine {
		case config.EngineKubernetes:
			client, err := kube.New(opts.KubeConfigPath, opts.KubeContext)
			if err != nil {
				return nil, err
			}
			namespace := opts.Namespace
			if namespace == "" {
				namespace = client.Namespace
			}
			return &deploy.KubeBackend{Clientset: client.Clientset, Namespace: namespace}, nil
		default:
			return deploy.NewDockerBackend(runner), nil
		}
	}
}

func bindViper(commands ...*cobra.Command) {
	if len(commands) == 0 {
		return
	}
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("FORGE")
	v.AutomaticEnv()
	configFile := os.Getenv("FORGE_CONFIG")
	configureConfigFile(v, configFile)

	cobra.OnInitialize(func() {
		for _, cmd := range commands {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				cobra.CheckErr(err)
			}
			if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
				cobra.CheckErr(err)
			}
		}
		if err := readConfigFile(v, configFile != ""); err != nil {
			cobra.CheckErr(err)
		}
		for _, cmd := range commands {
			flagSets := []*pflag.FlagSet{cmd.Flags(), cmd.PersistentFlags()}
			for _, fs := range flagSets {
				fs.VisitAll(func(f *pflag.Flag) {
					if f.Changed {
						return
					}
					if !v.IsSet(f.Name) {
						return
					}
					val := fmt.Sprintf("%v", v.Get(f.Name))
					if val != "" {
						_ = f.Value.Set(val)
					}
				})
			}
		}
	})
}

func configureConfigFile(v *viper.Viper, explicitPath string) {
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		return
	}
	v.SetConfigName("config")
	for _, dir := range configSearchDirs() {
		v.AddConfigPath(dir)
	}
}

func readConfigFile(v *viper.Viper, strict bool) error {
	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if errors.As(err, &cfgErr) && !strict {
			return nil
		}
		return err
	}
	return nil
}

func configSearchDirs() []string {
	added := make(map[string]struct{})
	var dirs []string
	add := func(path string) {
		if path == "" {
			return
		}
		if _, ok := added[path]; ok {
			return
		}
		added[path] = struct{}{}
		dirs = append(dirs, path)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		add(filepath.Join(xdg, "forge"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		add(filepath.Join(home, ".config", "forge"))
		add(filepath.Join(home, ".forge"))
	}
	return dirs
}

func handleError(err error) {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}
	message := err.Error()
	var unknown *target.UnknownTargetError
	if errors.As(err, &unknown) {
		message = fmt.Sprintf("%s\nHint: run 'forge targets' for descriptions of every target.", err)
	}
	var timeout *deploy.ReadinessTimeoutError
	if errors.As(err, &timeout) {
		message = fmt.Sprintf("%s\nHint: already-applied services are left running; inspect them before retrying.", err)
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", message)
}

// exitCode mirrors a failing external action's exit code so wrapping scripts
// can distinguish failures; everything else exits 1.
func exitCode(err error) int {
	var exit *action.ExitError
	if errors.As(err, &exit) && exit.Code > 0 {
		return exit.Code
	}
	return 1
}
