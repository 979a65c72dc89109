// Package web is the HTTP face of the cache: the API3 endpoint that
// answers reads locally and writes through to the upstream server,
// plus the passthrough plumbing that keeps existing clients working
// unmodified.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/westernx/sgcache/internal/cache"
	"github.com/westernx/sgcache/internal/shotgun"
)

// Server hosts the cache's HTTP surface.
type Server struct {
	echo   *echo.Echo
	cache  *cache.Cache
	client *shotgun.Client
	logger *logrus.Entry
}

// New wires the routes onto a fresh echo instance.
func New(c *cache.Cache, client *shotgun.Client, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.WithField("subsystem", "web")
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, cache: c, client: client, logger: logger}

	e.POST("/api3/json", s.handleAPI3)
	e.GET("/ping", func(ctx echo.Context) error {
		return ctx.String(http.StatusOK, "pong")
	})

	// Anything that is really a browser destination belongs on the
	// upstream server.
	for _, prefix := range []string{"/", "/detail/*", "/page/*"} {
		path := prefix
		e.GET(path, func(ctx echo.Context) error {
			return ctx.Redirect(http.StatusTemporaryRedirect,
				client.BaseURL+ctx.Request().RequestURI)
		})
	}

	// Binary traffic the cache has no business interpreting.
	for _, prefix := range []string{"/thumbnail/*", "/upload/*", "/file_serve/*"} {
		e.Any(prefix, s.handleProxy)
	}
	return s
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(addr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}
