// Command auditlog manages keystores and publishes audit events through a
// configured service.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/karasz/auditlog"
)

type rootFlags struct {
	config string
	debug  bool
}

func newRootCmd(stdin io.Reader) *cobra.Command {
	var rf rootFlags
	root := &cobra.Command{
		Use:           "auditlog",
		Short:         "Tamper-evident audit event publishing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&rf.config, "config", "c", "auditlog.yaml", "configuration file")
	root.PersistentFlags().BoolVar(&rf.debug, "debug", false, "development logging")

	root.AddCommand(newKeyStoreCmd(), newPublishCmd(&rf, stdin), newServeCmd(&rf), newConfigCmd(&rf))
	return root
}

func newKeyStoreCmd() *cobra.Command {
	ks := &cobra.Command{Use: "keystore", Short: "Manage the main keystore"}

	var path, password, algorithm string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the keystore or add its missing entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv(auditlog.EnvKeyStorePassword)
			}
			if password == "" {
				return fmt.Errorf("keystore password required (--password or %s)", auditlog.EnvKeyStorePassword)
			}
			store, err := auditlog.GenerateMainKeyStore(path, password, algorithm)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "keystore %s: %v\n", store.Path(), store.Aliases())
			return nil
		},
	}
	initCmd.Flags().StringVar(&path, "keystore", "", "keystore path")
	initCmd.Flags().StringVar(&password, "password", "", "keystore password")
	initCmd.Flags().StringVar(&algorithm, "algorithm", auditlog.AlgorithmECDSA, "signature algorithm (rsa, ecdsa, ed25519)")
	_ = initCmd.MarkFlagRequired("keystore")

	ks.AddCommand(initCmd)
	return ks
}

func newConfigCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(rf.config); err == nil {
				return fmt.Errorf("%s already exists", rf.config)
			}
			cfg := auditlog.DefaultConfig()
			cfg.CSV = &auditlog.CSVConfig{Dir: "audit"}
			if err := cfg.Save(rf.config); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", rf.config)
			return nil
		},
	}
}

// startService loads the configuration and starts the service it
// describes.
func startService(rf *rootFlags) (*auditlog.Service, *zap.Logger, error) {
	cfg, err := auditlog.LoadConfig(rf.config)
	if err != nil {
		return nil, nil, err
	}
	logger, err := auditlog.NewLogger(cfg.LogLevel, rf.debug)
	if err != nil {
		return nil, nil, err
	}
	svc, err := auditlog.NewFromConfig(cfg, auditlog.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	if err := svc.Startup(); err != nil {
		return nil, nil, err
	}
	return svc, logger, nil
}

type inputLine struct {
	Topic string         `json:"topic"`
	Event map[string]any `json:"event"`
}

func newPublishCmd(rf *rootFlags, stdin io.Reader) *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: `Publish JSON lines {"topic":..,"event":{..}} read from stdin`,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			svc, logger, err := startService(rf)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			defer func() {
				if serr := svc.Shutdown(); serr != nil {
					err = errors.Join(err, serr)
				}
			}()

			ctx := cmd.Context()
			var published, failed int
			sc := bufio.NewScanner(stdin)
			sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
			for n := 1; sc.Scan(); n++ {
				line := bytes.TrimSpace(sc.Bytes())
				if len(line) == 0 {
					continue
				}
				var in inputLine
				dec := json.NewDecoder(bytes.NewReader(line))
				dec.UseNumber()
				if err := dec.Decode(&in); err != nil {
					logger.Warn("skipping line", zap.Int("line", n), zap.Error(err))
					failed++
					continue
				}
				if _, err := svc.Publish(ctx, in.Topic, in.Event); err != nil {
					failed++
					continue
				}
				published++
			}
			if err := sc.Err(); err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d, failed %d\n", published, failed)
			if failed > 0 {
				return fmt.Errorf("%d events not published", failed)
			}
			return nil
		},
	}
}

func newServeCmd(rf *rootFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept event batches over HTTP and publish them",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			svc, logger, err := startService(rf)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			defer func() {
				if serr := svc.Shutdown(); serr != nil {
					err = errors.Join(err, serr)
				}
			}()

			token := os.Getenv(auditlog.EnvCollectorToken)
			collector := auditlog.NewCollector(token, func(ctx context.Context, events []auditlog.Event) error {
				var errs []error
				for _, ev := range events {
					if err := svc.PublishEvent(ctx, ev); err != nil {
						errs = append(errs, err)
					}
				}
				return errors.Join(errs...)
			}, auditlog.WithLogger(logger))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger.Info("collector listening", zap.String("addr", listen), zap.String("path", auditlog.CollectorPath))
			return collector.ListenAndServe(ctx, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8080", "listen address")
	return cmd
}

func main() {
	_ = godotenv.Load()
	cmd := newRootCmd(os.Stdin)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
