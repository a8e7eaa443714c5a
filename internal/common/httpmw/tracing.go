package httpmw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/tracing"
)

// Routes polled by health checks and scrapers get no span.
var untracedRoutes = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// Stream kinds recorded on turn requests.
const (
	streamNDJSON    = "ndjson"
	streamWebSocket = "websocket"
)

// OtelTracing wraps each request in a server span named after its route.
// Session routes carry the session id and turn streams are tagged with their
// transport. No-op when tracing is disabled.
func OtelTracing(serverName string) gin.HandlerFunc {
	return otelTracing(tracing.Tracer(serverName))
}

func otelTracing(tracer trace.Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if untracedRoutes[route] {
			c.Next()
			return
		}
		if route == "" {
			// Raw paths of unmatched requests would make span names unbounded.
			route = "unmatched"
		}

		attrs := []attribute.KeyValue{
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPRouteKey.String(route),
		}
		if id := c.Param("sessionId"); id != "" {
			attrs = append(attrs, attribute.String("session.id", id))
		}
		if kind := streamKind(c, route); kind != "" {
			attrs = append(attrs, attribute.String("turn.stream", kind))
		}

		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			semconv.HTTPResponseStatusCodeKey.Int(status),
			attribute.Int("http.response.size", c.Writer.Size()),
		)
		if errors.Is(ctx.Err(), context.Canceled) {
			span.AddEvent("client disconnected")
		}
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}

func streamKind(c *gin.Context, route string) string {
	if websocket.IsWebSocketUpgrade(c.Request) {
		return streamWebSocket
	}
	if c.Request.Method == http.MethodPost && strings.HasSuffix(route, "/turns") {
		return streamNDJSON
	}
	return ""
}
