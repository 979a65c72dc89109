package web

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// hopHeaders must not be copied between the client and the upstream
// server; they describe one connection, not the request.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
}

// handleProxy streams thumbnail, upload and file-serve traffic to the
// upstream server untouched. The cache only understands entity data;
// binaries belong upstream.
func (s *Server) handleProxy(c echo.Context) error {
	req := c.Request()
	upstreamURL := s.client.BaseURL + req.RequestURI

	proxyReq, err := http.NewRequestWithContext(req.Context(), req.Method, upstreamURL, req.Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	for name, values := range req.Header {
		if hopHeaders[name] {
			continue
		}
		for _, v := range values {
			proxyReq.Header.Add(name, v)
		}
	}

	resp, err := s.client.HTTPClient.Do(proxyReq)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	defer resp.Body.Close()

	header := c.Response().Header()
	for name, values := range resp.Header {
		if hopHeaders[name] {
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)
	_, err = io.Copy(c.Response(), resp.Body)
	return err
}
