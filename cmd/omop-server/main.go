package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/StarLiu1/mercurius-mcp/internal/config"
	"github.com/StarLiu1/mercurius-mcp/internal/domain/cql"
	"github.com/StarLiu1/mercurius-mcp/internal/domain/nlq"
	"github.com/StarLiu1/mercurius-mcp/internal/domain/omop"
	"github.com/StarLiu1/mercurius-mcp/internal/domain/status"
	"github.com/StarLiu1/mercurius-mcp/internal/domain/translate"
	"github.com/StarLiu1/mercurius-mcp/internal/domain/vsac"
	"github.com/StarLiu1/mercurius-mcp/internal/platform/auth"
	"github.com/StarLiu1/mercurius-mcp/internal/platform/db"
	"github.com/StarLiu1/mercurius-mcp/internal/platform/llm"
	"github.com/StarLiu1/mercurius-mcp/internal/platform/mcp"
	"github.com/StarLiu1/mercurius-mcp/internal/platform/middleware"
)

const serverVersion = "1.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "omop-server",
		Short: "Natural language to OMOP SQL translation server",
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(checkEnvCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP and REST server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func checkEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-env",
		Short: "Report which credentials and connections are configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			report := status.Check(cfg)
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var subject string
	var scopes []string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 JWT for a service client",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("AUTH_JWT_SECRET is not configured")
			}
			signed, err := auth.IssueToken([]byte(cfg.JWTSecret), subject, scopes, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "service", "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scope to grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// services holds every component the tool and REST surfaces dispatch to.
// llmClient, pool, repo and the LLM-backed services are nil when the
// corresponding credentials are absent; handlers report the missing
// variables instead of failing at startup.
type services struct {
	cfg        *config.Config
	logger     zerolog.Logger
	pool       *pgxpool.Pool
	vsacClient *vsac.Client
	llmClient  llm.Client
	repo       omop.Repository
	lookup     *omop.Lookup
	mapping    *omop.MappingService
	nlq        *nlq.Service
	parser     *cql.Parser
	extractor  translate.Extractor
	generator  *translate.Generator
	validator  *translate.Validator
	corrector  *translate.Corrector
	pipeline   *translate.Pipeline
}

func buildServices(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*services, error) {
	s := &services{cfg: cfg, logger: logger}

	s.vsacClient = vsac.NewClient(vsac.ClientConfig{
		BaseURL:     cfg.VSACBaseURL,
		Username:    cfg.VSACUsername,
		Password:    cfg.VSACPassword,
		CacheTTL:    cfg.VSACCacheTTL,
		Concurrency: cfg.VSACConcurrency,
	}, logger)

	if url := cfg.ResolvedDatabaseURL(); url != "" {
		pool, err := db.NewPool(ctx, url, db.Options{
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
			Schema:   cfg.OMOPSchema,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to OMOP database: %w", err)
		}
		s.pool = pool
		s.repo = omop.NewPgRepository(pool, cfg.OMOPSchema, cfg.RelationshipTable, logger)
		logger.Info().Str("schema", cfg.OMOPSchema).Msg("connected to OMOP database")
	} else {
		logger.Warn().Msg("no database configured; OMOP mapping tools will report missing credentials")
	}

	if cfg.GeminiAPIKey != "" {
		client, err := llm.NewGemini(ctx, llm.GeminiConfig{
			APIKey:      cfg.GeminiAPIKey,
			Model:       cfg.GeminiModel,
			Temperature: cfg.LLMTemp,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize LLM client: %w", err)
		}
		s.llmClient = client
		logger.Info().Str("model", client.Model()).Msg("LLM client ready")
	} else {
		logger.Warn().Msg("GEMINI_API_KEY not set; LLM tools will report missing credentials")
	}

	s.lookup = omop.NewLookup(s.repo, omop.LookupConfig{
		LOINCUsername: cfg.LOINCUsername,
		LOINCPassword: cfg.LOINCPassword,
	}, logger)

	s.mapping = omop.NewMappingService(s.vsacClient, s.repo, omop.DatabaseIdentity{
		User:     cfg.DatabaseUser,
		Endpoint: cfg.DatabaseEndpoint,
		Database: cfg.DatabaseName,
		Schema:   cfg.OMOPSchema,
	}, logger)

	s.nlq = nlq.NewService(s.llmClient, logger)

	if s.llmClient != nil {
		s.parser = cql.NewParser(s.llmClient, logger)
		s.extractor = translate.NewVSACExtractor(s.vsacClient, s.repo, logger)
		s.generator = translate.NewGenerator(s.llmClient, logger)
		s.validator = translate.NewValidator(s.llmClient, logger)
		s.corrector = translate.NewCorrector(s.llmClient, logger)
		s.pipeline = translate.NewPipeline(s.parser, s.extractor, s.generator, s.validator, s.corrector, logger)
	}

	return s, nil
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build services")
	}
	if svc.pool != nil {
		defer svc.pool.Close()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-API-Key"},
	}))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	e.Use(auth.Middleware(auth.Config{
		APIKey:    cfg.APIKey,
		JWTSecret: []byte(cfg.JWTSecret),
		Skipper:   auth.HealthSkipper,
	}))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": serverVersion,
		})
	})
	if svc.pool != nil {
		e.GET("/health/db", db.HealthHandler(svc.pool))
	} else {
		e.GET("/health/db", func(c echo.Context) error {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unconfigured",
				"detail": "no database connection configured",
			})
		})
	}

	registry := mcp.NewRegistry()
	registerTools(registry, svc)
	registerResources(registry, svc)

	mcpHandler := mcp.NewHandler(registry, mcp.ServerInfo{
		Name:    "mercurius-mcp",
		Version: serverVersion,
	}, logger)
	mcpHandler.RegisterRoutes(e)

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	registerRESTRoutes(apiV1, svc)

	addr := ":" + cfg.Port
	logger.Info().Str("addr", addr).Int("tools", len(registry.Tools())).Msg("starting server")
	go func() {
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
