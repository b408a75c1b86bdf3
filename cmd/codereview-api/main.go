package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/config"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/database"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/issues"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "codereview-api",
		Short: "Code review issue tracking backend",
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
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("public-url", defaults.GetString("http.public_url"), "Public base URL used in API links")
	cmd.PersistentFlags().Bool("trust-forwarded-proto", defaults.GetBool("http.trust_forwarded_proto"), "Honour X-Forwarded-Proto when deriving links (only behind a trusted proxy)")
	cmd.PersistentFlags().String("database-url", defaults.GetString("database.url"), "SQLite path or postgres:// URL")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("phabricator-url", defaults.GetString("phabricator.base_url"), "Phabricator base URL")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Task token TTL in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "Task token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.public_url", "public-url")
	bindFlag(cmd, "http.trust_forwarded_proto", "trust-forwarded-proto")
	bindFlag(cmd, "database.url", "database-url")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "phabricator.base_url", "phabricator-url")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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
	var subject string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Print a signed task token for an analysis bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			return issueToken(cmd.Context(), cmd.OutOrStdout(), appConfig, subject)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Bot identity embedded in the token")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newTaskTokenIssuer(appConfig config.AppConfig) (*auth.TaskTokenIssuer, error) {
	return auth.NewTaskTokenIssuer(auth.TaskTokenConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		TokenTTL:      appConfig.AuthTokenTTL,
	})
}

func issueToken(ctx context.Context, out io.Writer, appConfig config.AppConfig, subject string) error {
	issuer, err := newTaskTokenIssuer(appConfig)
	if err != nil {
		return err
	}
	token, expiresIn, err := issuer.IssueTaskToken(ctx, subject)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\nexpires_in=%ds\n", token, expiresIn)
	return err
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabaseURL, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := newTaskTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	issuesService, err := issues.NewService(issues.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: issues.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		IssuesService:       issuesService,
		TaskTokens:          tokenIssuer,
		Realtime:            server.NewRealtimeDispatcher(),
		Logger:              logger,
		PublicURL:           appConfig.PublicURL,
		TrustForwardedProto: appConfig.TrustForwardedProto,
		PhabricatorURL:      appConfig.PhabricatorBaseURL,
		PageSize:            appConfig.PageSize,
		MaxPageSize:         appConfig.MaxPageSize,
	})
	if err != nil {
		return err
	}

	if appConfig.PublicURL == "" {
		logger.Warn("http.public_url is not set; API links follow the request Host header")
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
