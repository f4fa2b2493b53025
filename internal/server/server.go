package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/spidey52/api-logs/apilog"
	"github.com/spidey52/api-logs/apilog/archive"
	"github.com/spidey52/api-logs/apilog/capture"
	"github.com/spidey52/api-logs/apilog/echolog"
	"github.com/spidey52/api-logs/internal/config"
	"github.com/spidey52/api-logs/internal/handler"
	"github.com/spidey52/api-logs/internal/response"
)

// Options overrides collaborators, mainly for tests.
type Options struct {
	Logger *zerolog.Logger
	Sender apilog.Sender         // replaces the HTTP transport
	Store  archive.Uploader      // replaces the S3 client for uploads
	Reader handler.ArchiveReader // replaces the S3 client for reads
}

// Server holds the Echo app and the exporter instrumenting it.
type Server struct {
	Echo     *echo.Echo
	Config   *config.Config
	Exporter *apilog.Exporter
	Status   *handler.FlushStatus
	logger   zerolog.Logger
}

// New builds the exporter, the archive mirror when configured, and the
// demo routes.
func New(cfg *config.Config, opts Options) (*Server, error) {
	logger := apilog.DefaultLogger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	sender := opts.Sender
	if sender == nil {
		sender = apilog.NewHTTPTransport(apilog.TransportConfig{
			MaxRetries: cfg.Exporter.MaxRetries,
			RetryDelay: cfg.Exporter.RetryDelay,
			Timeout:    cfg.Exporter.RequestTimeout,
			Compress:   cfg.Exporter.Compress,
		}, logger)
	}

	store, reader := opts.Store, opts.Reader
	if store == nil && cfg.Archive.Enabled() {
		client, err := archive.NewClient(cfg.Archive)
		if err != nil {
			return nil, err
		}
		if err := client.EnsureBucket(context.Background()); err != nil {
			logger.Warn().Err(err).Str("bucket", cfg.Archive.Bucket).Msg("archive bucket check failed, uploads may fail")
		}
		store, reader = client, client
	}
	if store != nil {
		sender = archive.NewMirror(sender, store, cfg.Exporter.RequestTimeout, logger)
		logger.Info().Str("bucket", cfg.Archive.Bucket).Msg("archiving delivered batches")
	}

	status := &handler.FlushStatus{}
	exp, err := apilog.New(cfg.Exporter, &apilog.Options{
		Logger:  &logger,
		Sender:  sender,
		OnFlush: status.Record,
	})
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = response.ErrorHandler(logger)
	e.Server.ReadTimeout = cfg.Server.ReadTimeout
	e.Server.WriteTimeout = cfg.Server.WriteTimeout
	e.Server.IdleTimeout = cfg.Server.IdleTimeout

	e.Use(middleware.Recover())
	e.Use(echolog.Middleware(exp, echolog.Options{
		CaptureRequestBody:  cfg.Capture.RequestBody,
		CaptureResponseBody: cfg.Capture.ResponseBody,
		CaptureHeaders:      cfg.Capture.Headers,
		ExcludePaths:        cfg.Capture.ExcludePaths,
		MaxBodyBytes:        cfg.Capture.MaxBodyBytes,
		GetUserInfo:         userFromHeaders,
		Logger:              &logger,
	}))

	users := handler.NewUserHandler(handler.NewUserStore())
	telemetry := &handler.TelemetryHandler{Exporter: exp, Status: status}
	if reader != nil {
		telemetry.Archive = reader
	}

	e.GET("/", func(c echo.Context) error {
		return response.OK(c, map[string]any{
			"service":     "api-logs demo",
			"environment": cfg.Exporter.Environment,
		}, "requests to this server are logged to the collector")
	})
	e.GET("/health", func(c echo.Context) error {
		return response.OK(c, map[string]string{"status": "ok"}, "")
	})
	e.GET("/error", handler.Fail)

	e.GET("/users", users.ListUsers)
	e.POST("/users", users.CreateUser)
	e.GET("/users/:id", users.GetUser)
	e.PUT("/users/:id", users.UpdateUser)
	e.DELETE("/users/:id", users.DeleteUser)

	t := e.Group("/telemetry")
	t.GET("/status", telemetry.GetStatus)
	t.POST("/flush", telemetry.Flush)
	t.PUT("/enabled", telemetry.SetEnabled)
	t.GET("/archive", telemetry.ListArchive)
	t.GET("/archive/content", telemetry.ArchiveContent)

	return &Server{Echo: e, Config: cfg, Exporter: exp, Status: status, logger: logger}, nil
}

// userFromHeaders attributes requests to the caller named by the X-User-*
// headers. Anonymous when X-User-ID is absent.
func userFromHeaders(c echo.Context) *capture.UserInfo {
	h := c.Request().Header
	id := h.Get("X-User-ID")
	if id == "" {
		return nil
	}
	return &capture.UserInfo{
		UserID:         id,
		UserName:       h.Get("X-User-Name"),
		UserIdentifier: h.Get("X-User-Email"),
	}
}

// Start serves until ctx is cancelled, then shuts down within the
// configured timeout and returns once the exporter has drained. If the
// listener fails, the exporter is still shut down before Start returns.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.Config.Server.ShutdownTimeout)
		defer cancel()
		done <- s.Shutdown(shutdownCtx)
	}()

	addr := ":" + s.Config.Server.Port
	s.logger.Info().Str("addr", addr).Msg("demo server listening")
	if err := s.Echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error().Err(err).Str("addr", addr).Msg("demo server failed to start")
		cancel()
		return errors.Join(err, <-done)
	}
	return <-done
}

// Shutdown stops the HTTP server first so in-flight requests still get
// logged, then drains the exporter.
func (s *Server) Shutdown(ctx context.Context) error {
	httpErr := s.Echo.Shutdown(ctx)
	expErr := s.Exporter.Shutdown(ctx)
	if errors.Is(expErr, apilog.ErrShutdown) {
		expErr = nil
	}
	return errors.Join(httpErr, expErr)
}
