// Command notevault runs the collaborative note vault server.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"archive/tar"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"notevault/internal/auth"
	"notevault/internal/backup"
	"notevault/internal/cert"
	"notevault/internal/engine"
	"notevault/internal/home"
	"notevault/internal/logging"
	"notevault/internal/permission"
	"notevault/internal/registry"
	"notevault/internal/server"
	"notevault/internal/vault"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // Allow all levels; filtering done by ComponentFilterHandler
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "notevault",
		Short: "Collaborative note vault server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			levelStr, _ := cmd.Flags().GetString("log-level")
			level, err := parseLevel(levelStr)
			if err != nil {
				return err
			}
			filterHandler.SetDefaultLevel(level)
			return nil
		},
	}

	rootCmd.PersistentFlags().String("data", "", "data directory (default: platform config dir)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, or error")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the notevault service",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataFlag, _ := cmd.Flags().GetString("data")
			addr, _ := cmd.Flags().GetString("addr")
			secret, _ := cmd.Flags().GetString("jwt-secret")
			autosave, _ := cmd.Flags().GetDuration("autosave")
			debounce, _ := cmd.Flags().GetDuration("debounce")
			backupInterval, _ := cmd.Flags().GetDuration("backup-interval")
			tlsCert, _ := cmd.Flags().GetString("tls-cert")
			tlsKey, _ := cmd.Flags().GetString("tls-key")

			if secret == "" {
				return errors.New("--jwt-secret is required")
			}
			if (tlsCert == "") != (tlsKey == "") {
				return errors.New("--tls-cert and --tls-key must be set together")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, runConfig{
				data:           dataFlag,
				addr:           addr,
				secret:         secret,
				autosave:       autosave,
				debounce:       debounce,
				backupInterval: backupInterval,
				tlsCert:        tlsCert,
				tlsKey:         tlsKey,
			})
		},
	}

	serverCmd.Flags().String("addr", ":4380", "listen address (host:port)")
	serverCmd.Flags().String("jwt-secret", "", "HMAC secret for verifying sync tokens")
	serverCmd.Flags().Duration("autosave", 10*time.Second, "snapshot flush interval for dirty vaults")
	serverCmd.Flags().Duration("debounce", 200*time.Millisecond, "per-file materialization debounce")
	serverCmd.Flags().Duration("backup-interval", time.Hour, "backup sweep interval")
	serverCmd.Flags().String("tls-cert", "", "path to PEM certificate; enables TLS")
	serverCmd.Flags().String("tls-key", "", "path to PEM private key; enables TLS")

	snapshotCmd := &cobra.Command{
		Use:   "snapshot <vault-id>",
		Short: "Take a manual backup snapshot of a vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataFlag, _ := cmd.Flags().GetString("data")
			sched, err := offlineBackups(dataFlag, logger)
			if err != nil {
				return err
			}
			snap, err := sched.TakeSnapshot(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s/%s (%d bytes)\n", snap.Kind, snap.Name, snap.SizeBytes)
			return nil
		},
	}

	restoreCmd := &cobra.Command{
		Use:   "restore <vault-id> <kind> <name>",
		Short: "Restore a vault from a backup snapshot",
		Long:  "Restore a vault from a backup snapshot. The current state is copied to a pre-restore snapshot first. Run against a stopped server.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataFlag, _ := cmd.Flags().GetString("data")
			sched, err := offlineBackups(dataFlag, logger)
			if err != nil {
				return err
			}
			return sched.Restore(args[0], backup.Kind(args[1]), args[2])
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export <vault-id> <output-file>",
		Short: "Export a vault's files as a zstd-compressed tar archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataFlag, _ := cmd.Flags().GetString("data")
			return exportOffline(dataFlag, args[0], args[1], logger)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serverCmd, snapshotCmd, restoreCmd, exportCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type runConfig struct {
	data           string
	addr           string
	secret         string
	autosave       time.Duration
	debounce       time.Duration
	backupInterval time.Duration
	tlsCert        string
	tlsKey         string
}

func run(ctx context.Context, logger *slog.Logger, cfg runConfig) error {
	hd, err := resolveData(cfg.data)
	if err != nil {
		return fmt.Errorf("resolve data directory: %w", err)
	}
	if err := hd.EnsureExists(); err != nil {
		return err
	}
	logger.Info("data directory", "path", hd.Root())

	store, err := vault.NewStore(vault.Config{Root: hd.VaultsDir(), Logger: logger})
	if err != nil {
		return fmt.Errorf("open vault store: %w", err)
	}

	perms, err := permission.NewStore(hd.PermissionsPath())
	if err != nil {
		return fmt.Errorf("open permission store: %w", err)
	}
	defer perms.Close()

	reg, err := registry.New(registry.Config{
		Store:            store,
		AutosaveInterval: cfg.autosave,
		Debounce:         cfg.debounce,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}
	defer reg.Close()

	eng, err := engine.New(engine.Config{
		Registry:    reg,
		Permissions: perms,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	backups, err := backup.New(backup.Config{
		Store:    store,
		Root:     hd.BackupsDir(),
		Interval: cfg.backupInterval,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("create backup scheduler: %w", err)
	}
	if err := backups.Start(); err != nil {
		return fmt.Errorf("start backup scheduler: %w", err)
	}
	defer func() {
		if err := backups.Stop(); err != nil {
			logger.Warn("backup scheduler stop", "error", err)
		}
	}()

	tokens := auth.NewTokenService([]byte(cfg.secret), 24*time.Hour)
	ws := server.NewWSHandler(tokens, eng, logger)

	var tlsCfg *tls.Config
	if cfg.tlsCert != "" {
		certs, err := cert.New(cert.Config{
			CertFile: cfg.tlsCert,
			KeyFile:  cfg.tlsKey,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("load TLS certificate: %w", err)
		}
		defer certs.Close()
		tlsCfg = certs.TLSConfig()
	}

	srv := server.New(server.Config{WS: ws, TLS: tlsCfg, Logger: logger})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ServeTCP(cfg.addr); err != nil {
			logger.Error("server error", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
	case <-srv.ShutdownChan():
	}

	logger.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		logger.Warn("server stop", "error", err)
	}
	wg.Wait()
	// Deferred closes flush the registry and stop the backup scheduler.
	return nil
}

func resolveData(flag string) (home.Dir, error) {
	if flag != "" {
		return home.New(flag), nil
	}
	return home.Default()
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// offlineBackups builds a backup scheduler over the data directory without
// starting its sweep job, for the one-shot subcommands.
func offlineBackups(dataFlag string, logger *slog.Logger) (*backup.Scheduler, error) {
	hd, err := resolveData(dataFlag)
	if err != nil {
		return nil, err
	}
	store, err := vault.NewStore(vault.Config{Root: hd.VaultsDir(), Logger: logger})
	if err != nil {
		return nil, err
	}
	return backup.New(backup.Config{
		Store:  store,
		Root:   hd.BackupsDir(),
		Logger: logger,
	})
}

// exportOffline archives a vault's materialized files straight from disk.
func exportOffline(dataFlag, vaultID, outPath string, logger *slog.Logger) error {
	hd, err := resolveData(dataFlag)
	if err != nil {
		return err
	}
	store, err := vault.NewStore(vault.Config{Root: hd.VaultsDir(), Logger: logger})
	if err != nil {
		return err
	}

	files, err := store.ListFiles(vaultID)
	if err != nil {
		return err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	zw, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	now := time.Now().UTC()
	for _, path := range files {
		content, err := store.ReadFile(vaultID, path)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:    path,
			Mode:    0o644,
			Size:    int64(len(content)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write archive header %s: %w", path, err)
		}
		if _, err := io.WriteString(tw, content); err != nil {
			return fmt.Errorf("write archive entry %s: %w", path, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close compressor: %w", err)
	}
	fmt.Printf("exported %d files to %s\n", len(files), outPath)
	return nil
}
