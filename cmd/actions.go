package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mikills/swcore/sw"

	"github.com/labstack/echo/v4"
)

const maxQueuePayloadBytes = 1 << 20

type Dependencies struct {
	CacheMetricsHandler http.Handler
	AppMetrics          sw.AppMetrics
	Hub                 *sw.Hub
	Generation          string
	LifecycleStatus     func(context.Context) (sw.LifecycleStatus, error)
	Install             func(context.Context) error
	Activate            func(context.Context) error
	HandleMessage       func(context.Context, sw.InboundMessage)
	TriggerSync         func(context.Context, string) sw.SyncReport
	Queue               sw.QueueSlot
	SweepStores         func(context.Context) map[sw.Role]int
	StoreSize           func(context.Context, sw.Role) (int64, error)
	// Intercept handles every request not matched by a control route.
	Intercept func(context.Context, *http.Request) *sw.Response
	Origin    string
	// Closing ends event streams when closed.
	Closing <-chan struct{}
	Logger  *slog.Logger
}

type messageRequest struct {
	Type string `json:"type"`
}

type syncRequest struct {
	Tag string `json:"tag"`
}

func Register(e *echo.Echo, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.AppMetrics
	if metrics == nil {
		metrics = sw.NoopAppMetrics{}
	}
	unavailable := func(c echo.Context) error {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "proxy unavailable"})
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "generation": deps.Generation})
	})
	if deps.CacheMetricsHandler != nil {
		e.GET("/metrics/cache", echo.WrapHandler(deps.CacheMetricsHandler))
	}
	e.GET("/metrics/app", func(c echo.Context) error {
		return c.JSON(http.StatusOK, metrics.Snapshot())
	})

	e.GET("/sw/lifecycle", func(c echo.Context) error {
		if deps.LifecycleStatus == nil {
			return unavailable(c)
		}
		status, err := deps.LifecycleStatus(c.Request().Context())
		if err != nil {
			return WriteError(c, err, isRetryable)
		}
		return c.JSON(http.StatusOK, status)
	})
	e.POST("/sw/lifecycle/install", func(c echo.Context) error {
		if deps.Install == nil {
			return unavailable(c)
		}
		if err := deps.Install(c.Request().Context()); err != nil {
			logger.ErrorContext(c.Request().Context(), "install failed", "generation", deps.Generation, "error", err)
			if errors.Is(err, sw.ErrInstallFailed) && !isRetryable(err) {
				return c.JSON(http.StatusBadGateway, map[string]any{"error": err.Error()})
			}
			return WriteError(c, err, isRetryable)
		}
		return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	})
	e.POST("/sw/lifecycle/activate", func(c echo.Context) error {
		if deps.Activate == nil {
			return unavailable(c)
		}
		if err := deps.Activate(c.Request().Context()); err != nil {
			if errors.Is(err, sw.ErrNoPendingInstall) {
				return c.JSON(http.StatusConflict, map[string]any{"error": err.Error()})
			}
			return WriteError(c, err, isRetryable)
		}
		return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	})

	e.POST("/sw/messages", func(c echo.Context) error {
		if deps.HandleMessage == nil {
			return unavailable(c)
		}
		var req messageRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}
		msgType := sw.MessageType(strings.ToUpper(strings.TrimSpace(req.Type)))
		switch msgType {
		case sw.MsgGetVersion:
			reply := make(chan sw.Message, 1)
			deps.HandleMessage(c.Request().Context(), sw.InboundMessage{Type: msgType, Reply: reply})
			select {
			case msg := <-reply:
				return c.JSON(http.StatusOK, msg)
			default:
				return c.JSON(http.StatusInternalServerError, map[string]any{"error": "no version reply"})
			}
		case sw.MsgSkipWaiting:
			deps.HandleMessage(c.Request().Context(), sw.InboundMessage{Type: msgType})
			return c.JSON(http.StatusAccepted, map[string]any{"status": "accepted"})
		default:
			return c.JSON(http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("unknown message type: %q", req.Type)})
		}
	})

	e.GET("/sw/events", func(c echo.Context) error {
		if deps.Hub == nil {
			return unavailable(c)
		}
		return streamEvents(c, deps.Hub, strings.TrimSpace(c.QueryParam("version")), deps.Closing)
	})

	e.POST("/sw/sync", func(c echo.Context) error {
		if deps.TriggerSync == nil {
			return unavailable(c)
		}
		var req syncRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}
		tag := strings.TrimSpace(req.Tag)
		if tag == "" {
			tag = sw.DefaultSyncTag
		}
		report := deps.TriggerSync(c.Request().Context(), tag)
		if !report.Known {
			return c.JSON(http.StatusNotFound, report)
		}
		return c.JSON(http.StatusOK, report)
	})

	e.GET("/sw/sync/queue", func(c echo.Context) error {
		if deps.Queue == nil {
			return unavailable(c)
		}
		raw, err := deps.Queue.Read(c.Request().Context())
		if err != nil {
			return WriteError(c, err, isRetryable)
		}
		items, err := sw.ParseSyncQueue(raw)
		if err != nil {
			return c.JSON(http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]any{"queue": items, "count": len(items)})
	})
	e.POST("/sw/sync/queue", func(c echo.Context) error {
		if deps.Queue == nil {
			return unavailable(c)
		}
		body, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, maxQueuePayloadBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return c.JSON(http.StatusRequestEntityTooLarge, map[string]any{"error": fmt.Sprintf("payload exceeds %d bytes", tooLarge.Limit)})
			}
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "read payload: " + err.Error()})
		}
		if !json.Valid(body) {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "payload must be valid JSON"})
		}
		item := sw.NewSyncQueueItem(json.RawMessage(body))
		if err := deps.Queue.Append(c.Request().Context(), item); err != nil {
			return WriteError(c, err, isRetryable)
		}
		return c.JSON(http.StatusCreated, item)
	})
	e.DELETE("/sw/sync/queue", func(c echo.Context) error {
		if deps.Queue == nil {
			return unavailable(c)
		}
		if err := deps.Queue.Clear(c.Request().Context()); err != nil {
			return WriteError(c, err, isRetryable)
		}
		return c.NoContent(http.StatusNoContent)
	})

	e.POST("/sw/stores/sweep", func(c echo.Context) error {
		if deps.SweepStores == nil {
			return unavailable(c)
		}
		evicted := deps.SweepStores(c.Request().Context())
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "evicted": evicted})
	})
	e.GET("/sw/stores/:role/size", func(c echo.Context) error {
		if deps.StoreSize == nil {
			return unavailable(c)
		}
		role, ok := parseRole(c.Param("role"))
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("unknown store role: %q", c.Param("role"))})
		}
		size, err := deps.StoreSize(c.Request().Context(), role)
		if err != nil {
			return WriteError(c, err, isRetryable)
		}
		return c.JSON(http.StatusOK, map[string]any{"role": role, "bytes": size})
	})

	if deps.Intercept != nil {
		e.Any("/*", func(c echo.Context) error {
			return intercept(c, deps)
		})
	}
}

func parseRole(raw string) (sw.Role, bool) {
	role := sw.Role(strings.ToLower(strings.TrimSpace(raw)))
	for _, r := range sw.Roles {
		if r == role {
			return role, true
		}
	}
	return "", false
}

// streamEvents relays hub broadcasts to one client as server-sent events
// until the client disconnects.
func streamEvents(c echo.Context, hub *sw.Hub, version string, closing <-chan struct{}) error {
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
	}
	client := hub.Subscribe(version)
	defer hub.Unsubscribe(client)

	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(c.Response(), "event: client\ndata: %s\n\n", client.ID); err != nil {
		return nil
	}
	flusher.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-closing:
			return nil
		case msg, ok := <-client.Messages():
			if !ok {
				return nil
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(c.Response(), "event: message\ndata: %s\n\n", data); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// intercept rebuilds the inbound request against the origin and writes the
// proxy's answer.
func intercept(c echo.Context, deps Dependencies) error {
	in := c.Request()
	target := strings.TrimRight(deps.Origin, "/") + in.URL.RequestURI()

	var body io.Reader = http.NoBody
	if in.ContentLength != 0 {
		body = in.Body
	}
	out, err := http.NewRequestWithContext(in.Context(), in.Method, target, body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
	}
	out.Header = in.Header.Clone()
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	out.ContentLength = in.ContentLength

	resp := deps.Intercept(in.Context(), out)
	if resp == nil {
		return c.JSON(http.StatusBadGateway, map[string]any{"error": "empty proxy response"})
	}
	dst := c.Response().Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
	dst.Del("Content-Length")
	c.Response().WriteHeader(resp.Status)
	_, err = c.Response().Write(resp.Body)
	return err
}

// isRetryable reports errors the caller can retry shortly.
func isRetryable(err error) bool {
	return errors.Is(err, sw.ErrTransitionLeaseConflict) || errors.Is(err, sw.ErrNetworkUnavailable)
}

func WriteError(c echo.Context, err error, retryable func(error) bool) error {
	if retryable != nil && retryable(err) {
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
	}
	return c.JSON(http.StatusInternalServerError, map[string]any{"error": err.Error()})
}
