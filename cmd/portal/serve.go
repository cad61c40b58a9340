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

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"maas-portal/backend/internal/api"
	"maas-portal/backend/internal/auth"
	"maas-portal/backend/internal/canvas"
	"maas-portal/backend/internal/config"
	"maas-portal/backend/internal/ingest"
	"maas-portal/backend/internal/logging"
	"maas-portal/backend/internal/mcp"
	"maas-portal/backend/internal/services"
	"maas-portal/backend/internal/tls"
	"maas-portal/backend/internal/usage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the portal HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"db_driver", cfg.DB.Driver,
		"inference_url", cfg.Inference.URL,
		"okta_domain", cfg.Auth.OktaDomain,
		"secret_len", len(cfg.Auth.ClientSecret),
	)
	if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
		logger.Warn("Swagger client id matches the backend client id; PKCE login from /docs will fail against a web app client")
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	client := services.NewHTTPInferenceClient(cfg.Inference.URL, cfg.Inference.Timeout)
	embed := services.NewFallbackEmbedder(client, logger)
	mgr := ingest.NewManager(store, embed, logger, ingest.Options{
		Tick:         cfg.Ingest.Tick,
		ChunkSize:    cfg.Ingest.ChunkSize,
		ChunkOverlap: cfg.Ingest.ChunkOverlap,
		Workers:      cfg.Ingest.Workers,
		Retention:    cfg.Ingest.Retention,
		OnTransition: func(j ingest.Job) {
			logger.Debug("Upload stage changed", "job", j.ID, "file", j.Filename, "stage", j.Stage, "progress", j.Progress)
		},
	})
	defer mgr.Close()

	templates, err := flowTemplates(ctx, cfg, logger)
	if err != nil {
		return err
	}

	knowledge := services.NewKnowledgeService(store, mgr, embed)
	authz, err := auth.New(ctx, cfg, store, logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}
	meter, err := usage.New(store, logger, "/agent/api")
	if err != nil {
		return fmt.Errorf("usage meter initialization failed: %w", err)
	}

	srv := &api.Server{
		Store:     store,
		Keys:      authz.Keys(),
		Analysis:  services.NewAnalysisService(client, store, logger, cfg.Ingest.Workers),
		Chat:      services.NewChatService(client, logger, cfg.Sessions.IdleTTL),
		Knowledge: knowledge,
		Flows:     services.NewFlowService(templates, cfg.Sessions.IdleTTL),
		Log:       logger,
		Version:   version,
	}

	e := echo.New()
	e.HideBanner = true
	e.Logger = logger.Logger
	e.HTTPErrorHandler = api.ErrorHandler(logger)
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("40M"))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		ExposeHeaders:    []string{"X-Session-Id", "X-Fallback"},
		AllowCredentials: false,
	}))
	e.Use(otelecho.Middleware("maas-portal"))

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	api.RegisterHandlers(e, srv, echo.WrapMiddleware(authz.RequireAuth), meter.Middleware())
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(knowledge, templates, version)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	mcpHandler := echo.WrapHandler(authz.RequireAuth(mcpHandlers))
	e.Any("/mcp", mcpHandler)
	e.Any("/mcp/*", mcpHandler)
	logger.Info("MCP protocol handlers mounted")

	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(cfg.Auth.OktaDomain)))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler(cfg.Auth.OktaDomain, cfg.Auth.SwaggerClientID)))
	e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(api.OAuth2RedirectHandler()))

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		if !cfg.TLS.Enable {
			serverErrors <- server.ListenAndServe()
			return
		}
		created, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
		if err != nil {
			serverErrors <- fmt.Errorf("tls: %w", err)
			return
		}
		if created {
			logger.Warn("Generated self-signed certificate", "cert", cfg.TLS.CertFile, "hosts", cfg.TLS.Hostnames)
		}
		serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
		if err := server.Close(); err != nil {
			logger.Error("Server close error", "error", err)
		}
	}
	logger.Info("Server stopped gracefully")
	return nil
}

// flowTemplates loads the flow template file when configured and keeps it
// fresh until ctx is done; otherwise editors start from the built-in graph.
func flowTemplates(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*canvas.TemplateSource, error) {
	if cfg.Flows.TemplateFile == "" {
		return canvas.StaticTemplate(canvas.DefaultGraph()), nil
	}
	src, err := canvas.FileTemplate(cfg.Flows.TemplateFile, logger)
	if err != nil {
		return nil, fmt.Errorf("flow template: %w", err)
	}
	go func() {
		if err := src.Watch(ctx); err != nil {
			logger.Warn("Flow template watch stopped", "error", err)
		}
	}()
	return src, nil
}
