package odatadb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/edgeflare/odatadb/pkg/config"
	"github.com/edgeflare/odatadb/pkg/httputil"
	mw "github.com/edgeflare/odatadb/pkg/httputil/middleware"
	"github.com/edgeflare/odatadb/pkg/metrics"
	"github.com/edgeflare/odatadb/pkg/odata"
	pg "github.com/edgeflare/odatadb/pkg/pgx"
	"github.com/edgeflare/odatadb/pkg/pgx/schema"
	"github.com/edgeflare/odatadb/pkg/repository"
	"github.com/edgeflare/odatadb/pkg/rest"
	"github.com/edgeflare/odatadb/pkg/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const healthPath = "/healthz"

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Start the OData API server",
	Long:    `Connects to PostgreSQL and serves the OData, stored procedure and health endpoints`,
	RunE:    runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("database.connString", "c", "", "PostgreSQL connection string")
	f.StringP("server.listenAddr", "l", "", "API server listen address")
	f.String("server.publicURL", "", "scheme://host used in nextLink and Location headers")
	f.String("odata.basePath", "", "path prefix of the OData routes")
	f.String("odata.commandPath", "", "path prefix of the stored procedure routes")
	f.String("odata.defaultSchema", "", "schema of unqualified table and procedure names")
	f.Bool("metrics.enabled", false, "serve Prometheus metrics")
	f.String("metrics.addr", "", "Prometheus metrics listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if cfg.File != "" {
		logger.Info("using config file", zap.String("file", cfg.File))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pg.Connect(ctx, pg.PoolOptions{
		ConnString:     cfg.Database.ConnString,
		ConnectTimeout: cfg.Database.ConnectTimeout,
		MaxRetries:     cfg.Database.MaxRetries,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	cache := schema.NewCache(pool, schema.WithDefaultSchema(cfg.OData.DefaultSchema))
	odataRepo := repository.NewODataRepository(pool, cache,
		repository.WithConverter(odata.NewConverter(odata.WithVerify(cfg.OData.VerifySQL))),
		repository.WithLogger(logger),
	)
	commandRepo := repository.NewCommandRepository(pool, cfg.OData.DefaultSchema, logger)

	router, err := newRouter(cfg, logger)
	if err != nil {
		return err
	}

	openapi := schema.NewOpenAPIGenerator(cache, cfg.Server.PublicURL+cfg.OData.BasePath, schema.OpenAPIInfo{
		Title:       "odatadb",
		Description: "OData v4 API over PostgreSQL",
		Version:     config.Version,
	}).WithBasicAuth(cfg.Server.BasicAuth.Enabled)

	rest.NewServer(service.NewODataService(odataRepo), service.NewCommandService(commandRepo), rest.Options{
		BasePath:    cfg.OData.BasePath,
		CommandPath: cfg.OData.CommandPath,
		PublicURL:   cfg.Server.PublicURL,
		Defaults: odata.Defaults{
			Top:    cfg.OData.DefaultTop,
			MaxTop: cfg.OData.MaxTop,
		},
		MaxBatchParts: cfg.OData.MaxBatchParts,
		Metadata:      cache,
		OpenAPI:       openapi,
		Pinger:        pool,
		Logger:        logger,
	}).Register(router)

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{
			Addr:   cfg.Metrics.Addr,
			Path:   cfg.Metrics.Path,
			Logger: logger,
		})
	}

	errCh := make(chan error, 1)
	go func() {
		if err := router.ListenAndServe(cfg.Server.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err = <-errCh:
		logger.Error("server error", zap.Error(err))
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if serr := router.Shutdown(shutdownCtx); serr != nil {
		logger.Error("server shutdown", zap.Error(serr))
	}

	stop()
	wg.Wait()
	logger.Info("server stopped")
	return err
}

// newRouter builds the router and its root middleware. Metrics goes last so
// it sees the pattern the mux matched.
func newRouter(cfg *config.Config, logger *zap.Logger) (*httputil.Router, error) {
	opts := []httputil.RouterOptions{
		httputil.WithLogger(logger),
		httputil.WithServerOptions(func(s *http.Server) {
			s.ReadHeaderTimeout = cfg.Server.ReadHeaderTimeout
		}),
	}
	if cfg.Server.TLS.Enabled {
		opts = append(opts, httputil.WithTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile))
	}
	router, err := httputil.NewRouter(opts...)
	if err != nil {
		return nil, err
	}

	router.Use(mw.RequestID)
	if logLevel != "none" {
		router.Use(mw.LoggerWithOptions(&mw.LoggerOptions{Logger: logger}))
	}
	if cfg.Server.CORS.Enabled {
		cors := mw.DefaultCORSOptions()
		if len(cfg.Server.CORS.AllowedOrigins) > 0 {
			cors.AllowedOrigins = cfg.Server.CORS.AllowedOrigins
		}
		cors.AllowCredentials = cfg.Server.CORS.AllowCredentials
		router.Use(mw.CORSWithOptions(cors))
	}
	if cfg.Server.BasicAuth.Enabled {
		auth := mw.BasicAuthCreds(cfg.Server.BasicAuth.Credentials)
		if cfg.Server.BasicAuth.Realm != "" {
			auth.Realm = cfg.Server.BasicAuth.Realm
		}
		router.Use(mw.VerifyBasicAuth(auth, healthPath))
	}
	router.Use(mw.Metrics)
	return router, nil
}
