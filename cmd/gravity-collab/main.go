package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/database"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/logging"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/messaging"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/realtime"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/server"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/users"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gravity-collab",
		Short: "Gravity Notes collaboration server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString(config.KeyHTTPAddress), "HTTP listen address")
	flags.StringSlice("allowed-origins", nil, "Origins allowed to open websockets (empty allows all)")
	flags.String("database-path", defaults.GetString(config.KeyDatabasePath), "SQLite database path")
	flags.String("log-level", defaults.GetString(config.KeyLogLevel), "Log level (debug, info, warn, error)")
	flags.String("log-encoding", defaults.GetString(config.KeyLogEncoding), "Log encoding (json, console)")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.Duration("flush-debounce", defaults.GetDuration(config.KeyFlushDebounce), "Quiet period before a document is persisted")
	flags.Duration("flush-max-delay", defaults.GetDuration(config.KeyFlushMaxDelay), "Longest a dirty document waits to be persisted")
	flags.Duration("idle-timeout", defaults.GetDuration(config.KeyIdleTimeout), "Eviction delay for documents without participants")
	flags.String("redis-url", "", "Redis URL relaying events between nodes (optional)")

	bindFlag(cmd, config.KeyHTTPAddress, "http-address")
	bindFlag(cmd, config.KeyAllowedOrigins, "allowed-origins")
	bindFlag(cmd, config.KeyDatabasePath, "database-path")
	bindFlag(cmd, config.KeyLogLevel, "log-level")
	bindFlag(cmd, config.KeyLogEncoding, "log-encoding")
	bindFlag(cmd, config.KeySigningSecret, "signing-secret")
	bindFlag(cmd, config.KeyFlushDebounce, "flush-debounce")
	bindFlag(cmd, config.KeyFlushMaxDelay, "flush-max-delay")
	bindFlag(cmd, config.KeyIdleTimeout, "idle-timeout")
	bindFlag(cmd, config.KeyRedisURL, "redis-url")
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

func newIssueTokenCommand() *cobra.Command {
	var (
		userID      string
		email       string
		displayName string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Sign a session token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(auth.SessionClaims{
				UserID:          userID,
				UserEmail:       email,
				UserDisplayName: displayName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User the token authenticates")
	cmd.Flags().StringVar(&email, "email", "", "Email carried by the token")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name carried by the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	notesService, err := notes.NewService(notes.ServiceConfig{
		Database:          db,
		Clock:             time.Now,
		IDProvider:        notes.NewUUIDProvider(),
		Logger:            logger,
		SnapshotRetention: appConfig.SnapshotRetention,
	})
	if err != nil {
		return err
	}
	usersService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	messagingService, err := messaging.NewService(messaging.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	sessions, err := collab.NewSessionManager(collab.SessionManagerConfig{
		Store:         notes.NewDocumentStore(notesService),
		Clock:         clockwork.NewRealClock(),
		Logger:        logger,
		FlushDebounce: appConfig.FlushDebounce,
		FlushMaxDelay: appConfig.FlushMaxDelay,
		IdleTimeout:   appConfig.IdleTimeout,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var relay *realtime.RedisRelay
	broadcasterConfig := realtime.BroadcasterConfig{Logger: logger}
	if appConfig.RedisURL != "" {
		relay, err = realtime.NewRedisRelay(realtime.RedisRelayConfig{URL: appConfig.RedisURL, Logger: logger})
		if err != nil {
			return err
		}
		defer relay.Close() //nolint:errcheck
		broadcasterConfig.Publisher = relay
	}
	broadcaster := realtime.NewBroadcaster(broadcasterConfig)

	protocol, err := realtime.NewProtocol(realtime.ProtocolConfig{
		Sessions:      sessions,
		Access:        notesService,
		Conversations: messagingService,
		Presence:      usersService,
		Registry:      realtime.NewPresenceRegistry(),
		Broadcaster:   broadcaster,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if relay != nil {
		if err := relay.Start(signalCtx, protocol.Deliver); err != nil {
			return err
		}
		logger.Info("event relay started", zap.String("node_id", relay.NodeID()))
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}
	gateway, err := auth.NewGateway(validator, usersService, logger)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator:  gateway,
		Protocol:       protocol,
		LiveDocuments:  sessions,
		NoteDocuments:  notesService,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
	defer cancel()
	// Hijacked websockets outlive Shutdown; the session flush below still
	// persists every live document.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		logger.Error("document flush on shutdown failed", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}
