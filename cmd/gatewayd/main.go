// gatewayd is the gateway daemon: it loads the configuration document,
// populates the plug-in registry with the built-in adapters and agents, and
// runs one gateway.Instance until interrupted. It is a thin entry point
// only; all device and session behavior lives in the library packages.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/tilegw/gateway/config"
	"github.com/tilegw/gateway/gateway"
	"github.com/tilegw/gateway/report/auth"
)

const signingKeyEnv = "IOTILE_SIGNING_KEY"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		listen     string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:          "gatewayd",
		Short:        "tile device gateway daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, listen, debug)
		},
	}

	cmd.SetGlobalNormalizationFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to the gateway configuration document (JSON or YAML)")
	flags.StringVarP(&listen, "listen", "l", "", "override the http agent listen address")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")

	return cmd
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}

// signingKey returns the hex master key: the environment variable when set,
// otherwise a masked interactive prompt when stdin is a terminal, otherwise
// empty (the gateway runs unauthenticated; reports verify as
// integrity-only).
func signingKey() string {
	if key := os.Getenv(signingKeyEnv); key != "" {
		return key
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return ""
	}

	fmt.Fprintf(os.Stderr, "%s not set; enter signing key (empty for none): ", signingKeyEnv)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return ""
	}
	return string(raw)
}

func run(configPath, listen string, debug bool) error {
	logger, err := newLogger(debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if configPath == "" {
		return fmt.Errorf("--config is required")
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading configuration: %w", err)
	}
	doc, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("parsing configuration: %w", err)
	}
	if listen != "" {
		for i := range doc.Agents {
			if doc.Agents[i].Args == nil {
				doc.Agents[i].Args = config.Args{}
			}
			doc.Agents[i].Args["listen"] = listen
		}
	}

	registry := config.NewRegistry()
	registerBuiltins(registry)

	instance, err := gateway.NewInstance(gateway.InstanceOptions{
		Logger:       logger,
		Registry:     registry,
		Document:     doc,
		AuthProvider: auth.Chain{auth.NewMasterKeyProviderFromHex(signingKey())},
	})
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := instance.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}
	logger.Info("gateway running",
		zap.Int("adapters", len(doc.Adapters)),
		zap.Int("agents", len(doc.Agents)),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return instance.Stop(context.Background())
}
