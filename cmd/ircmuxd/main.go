package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/danmuck/ircmux/internal/api"
	"github.com/danmuck/ircmux/internal/auth"
	"github.com/danmuck/ircmux/internal/config"
	"github.com/danmuck/ircmux/internal/connectivity"
	"github.com/danmuck/ircmux/internal/core"
	"github.com/danmuck/ircmux/internal/credentials"
	"github.com/danmuck/ircmux/internal/logging"
)

const exitTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ircmuxd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("IRCMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "ircmuxd",
		Short:         "Multi-network chat session daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "ircmuxd.toml", "daemon config path (env IRCMUX_CONFIG)")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))

	root.AddCommand(
		newServeCmd(v),
		newCheckConfigCmd(v),
		newInitCmd(),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.ConfigureRuntime()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, v)
		},
	}
	cmd.Flags().String("api-addr", "", "override the HTTP listen address (env IRCMUX_API_ADDR)")
	_ = v.BindPFlag("api-addr", cmd.Flags().Lookup("api-addr"))
	return cmd
}

func serve(ctx context.Context, v *viper.Viper) error {
	cfg, nets, err := loadAll(v.GetString("config"))
	if err != nil {
		return err
	}
	if addr := strings.TrimSpace(v.GetString("api-addr")); addr != "" {
		cfg.API.Addr = addr
	}

	creds, err := credentialStore(cfg)
	if err != nil {
		return err
	}
	if cfg.APITokenSecret != "" {
		token, err := creds.Get(ctx, cfg.APITokenSecret)
		if err != nil {
			return fmt.Errorf("resolve api token: %w", err)
		}
		cfg.API.Validator = auth.StaticToken{Token: token}
	}

	var source connectivity.Source = connectivity.NewStatic(true)
	if cfg.ConnectivityProbe {
		mon := connectivity.NewMonitor(cfg.Connectivity)
		go func() {
			if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("ircmuxd.connectivity stopped")
			}
		}()
		source = mon
	}

	client := core.New(nets.Profiles(), core.Options{
		Session:      cfg.Session,
		Transfer:     cfg.Transfer,
		Retention:    cfg.Retention,
		Connectivity: source,
		Credentials:  creds,
		Version:      cfg.Version,
	})
	if err := client.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("ircmuxd.serve auto-connect incomplete")
	}

	srv := api.NewServer(client, cfg.API, cfg.Version)
	serveErr := srv.Serve(ctx)

	exitCtx, cancel := context.WithTimeout(context.Background(), exitTimeout)
	defer cancel()
	exitErr := client.Exit(exitCtx)
	log.Info().Msg("ircmuxd.serve stopped")
	return errors.Join(serveErr, exitErr)
}

func credentialStore(cfg ServiceConfig) (credentials.Store, error) {
	env := credentials.NewEnvStore(cfg.SecretEnvPrefix)
	if cfg.SecretsDir == "" {
		return env, nil
	}
	return credentials.NewChain(env, credentials.NewFileStore(cfg.SecretsDir))
}

func loadAll(path string) (ServiceConfig, config.NetworksFile, error) {
	cfg, err := loadServiceConfig(path)
	if err != nil {
		return ServiceConfig{}, config.NetworksFile{}, err
	}
	nets, err := config.LoadNetworks(cfg.NetworksFile)
	if err != nil {
		return ServiceConfig{}, config.NetworksFile{}, err
	}
	return cfg, nets, nil
}

func newCheckConfigCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the daemon and network configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, nets, err := loadAll(v.GetString("config"))
			if err != nil {
				return err
			}
			return printSummary(cmd.OutOrStdout(), cfg, nets)
		},
	}
}

func printSummary(w io.Writer, cfg ServiceConfig, nets config.NetworksFile) error {
	if _, err := fmt.Fprintf(w, "api: %s\nnetworks: %s (%d)\ndcc: %s, downloads in %s\n",
		cfg.API.Addr, cfg.NetworksFile, len(nets.Networks), cfg.Transfer.Mode, cfg.Transfer.DownloadDir); err != nil {
		return err
	}
	for _, n := range nets.Networks {
		transport := "tls"
		if !n.TLSEnabled() {
			transport = "plaintext"
		}
		auto := ""
		if n.AutoConnect {
			auto = ", auto-connect"
		}
		if _, err := fmt.Fprintf(w, "  %s: %s:%d %s as %s%s\n", n.ID, n.Host, n.Port, transport, n.Nick, auto); err != nil {
			return err
		}
	}
	return nil
}

func newInitCmd() *cobra.Command {
	var dir string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write example daemon and network configs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			for kind, name := range map[string]string{"daemon": "ircmuxd.toml", "networks": "networks.toml"} {
				path := filepath.Join(dir, name)
				if err := config.WriteTemplate(path, kind, force); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "output directory")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), DefaultServiceConfig().Version)
			return err
		},
	}
}
