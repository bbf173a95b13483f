package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/config"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/logging"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collabnotes",
		Short: "Local-first notes client with cloud sync and presence",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newSyncAllCommand(), newMigrateGuestCommand(), newGuestCommand())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed to call the API with credentials")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("device-path", defaults.GetString("device.path"), "Device storage directory")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("remote-backend", defaults.GetString("remote.backend"), "Remote store (memory, firestore)")
	cmd.PersistentFlags().String("firebase-project-id", "", "Firebase project ID")
	cmd.PersistentFlags().String("firebase-credentials-file", "", "Firebase service account credentials file")
	cmd.PersistentFlags().Duration("remote-timeout", defaults.GetDuration("sync.remote_timeout"), "Timeout for a single remote call")
	cmd.PersistentFlags().Duration("presence-heartbeat", defaults.GetDuration("presence.heartbeat_interval"), "Presence heartbeat interval")
	cmd.PersistentFlags().Duration("presence-timeout", defaults.GetDuration("presence.timeout"), "Presence staleness timeout")
	cmd.PersistentFlags().String("session-signing-secret", "", "TAuth session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "device.path", "device-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "remote.backend", "remote-backend")
	bindFlag(cmd, "firebase.project_id", "firebase-project-id")
	bindFlag(cmd, "firebase.credentials_file", "firebase-credentials-file")
	bindFlag(cmd, "sync.remote_timeout", "remote-timeout")
	bindFlag(cmd, "presence.heartbeat_interval", "presence-heartbeat")
	bindFlag(cmd, "presence.timeout", "presence-timeout")
	bindFlag(cmd, "auth.session_signing_secret", "session-signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newSyncAllCommand() *cobra.Command {
	var ownerID string
	cmd := &cobra.Command{
		Use:   "sync-all",
		Short: "Pull every remote note for an owner into the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, app *application) error {
				owner, err := resolveOwner(ctx, app, ownerID)
				if err != nil {
					return err
				}
				report, err := app.notebook.SyncAll(ctx, owner)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				return report.Err()
			})
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "Owner id to sync (defaults to the device guest id)")
	return cmd
}

func newMigrateGuestCommand() *cobra.Command {
	var (
		fromGuestID string
		toUserID    string
	)
	cmd := &cobra.Command{
		Use:   "migrate-guest",
		Short: "Re-own guest notes under an authenticated user id",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := notes.NewUserID(toUserID)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			return withApplication(cmd.Context(), func(ctx context.Context, app *application) error {
				report, err := app.identity.MigrateOwnership(ctx, fromGuestID, target)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				return report.Err()
			})
		},
	}
	cmd.Flags().StringVar(&fromGuestID, "from", "", "Guest id to migrate (defaults to the device guest id)")
	cmd.Flags().StringVar(&toUserID, "to", "", "Authenticated user id that takes ownership")
	return cmd
}

func newGuestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "guest",
		Short: "Print the device guest identity, creating it if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, app *application) error {
				user, err := app.identity.GetOrCreateGuestIdentity(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), user)
			})
		},
	}
}

func resolveOwner(ctx context.Context, app *application, ownerID string) (notes.UserID, error) {
	if strings.TrimSpace(ownerID) != "" {
		return notes.NewUserID(ownerID)
	}
	guest, err := app.identity.GetOrCreateGuestIdentity(ctx)
	if err != nil {
		return "", err
	}
	return guest.OwnerID(), nil
}

// withApplication loads configuration, wires the application, runs fn and releases everything.
func withApplication(ctx context.Context, fn func(context.Context, *application) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := buildApplication(ctx, appConfig, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer func() {
		if closeErr := app.close(); closeErr != nil {
			logger.Warn("shutdown cleanup failed", zap.Error(closeErr))
		}
	}()

	return fn(ctx, app)
}

func runServer(ctx context.Context) error {
	return withApplication(ctx, func(ctx context.Context, app *application) error {
		handler, err := server.NewHTTPHandler(server.Dependencies{
			Notebook:       app.notebook,
			Identity:       app.identity,
			Presence:       app.presence,
			Verifier:       app.verifier,
			Sessions:       app.sessions,
			AllowedOrigins: app.config.AllowedOrigins,
			Logger:         app.logger,
		})
		if err != nil {
			return err
		}

		httpServer := &http.Server{
			Addr:    app.config.HTTPAddress,
			Handler: handler,
		}

		signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
			err := httpServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-signalCtx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			app.presence.Close(shutdownCtx)
			return httpServer.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	})
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
