package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/brandur/passdrop/internal/util/stringutil"
)

//
// CORSMiddleware
//

type CORSMiddleware struct{}

func (m *CORSMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Access-Control-Allow-Methods", "DELETE, GET, OPTIONS, PUT")
		w.Header().Add("Access-Control-Allow-Origin", "*")
		w.Header().Add("Access-Control-Allow-Headers", "Content-Disposition, Content-Type")
		w.Header().Add("Access-Control-Expose-Headers", "Content-Disposition, Content-Type, Last-Modified")
		next.ServeHTTP(w, r)
	})
}

//
// CanonicalLogLineMiddleware
//

type CanonicalLogLineMiddleware struct {
	// A channel over which log data is sent as it's generated, if the channel
	// is set. This is intended for testing purposes so that we can verify log
	// data being generated.
	logDataChan chan map[string]any

	logger *logrus.Logger
}

func (m *CanonicalLogLineMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxContainer := ContextContainerFrom(r.Context())
		requestStart := time.Now()

		next.ServeHTTP(w, r)

		duration := PrettyDuration(time.Since(requestStart))

		var routeStr string
		route := mux.CurrentRoute(r)
		if route != nil {
			pathTemplate, _ := route.GetPathTemplate()
			routeStr = pathTemplate
		}

		routeOrPath := routeStr
		if routeOrPath == "" {
			routeOrPath = r.URL.Path
		}

		// Paths carry passcodes, so only the route is logged.
		logData := map[string]any{
			"content_length": r.ContentLength,
			"content_type":   r.Header.Get("Content-Type"),
			"duration":       duration,
			"http_method":    r.Method,
			"http_route":     routeStr,
			"ip":             m.getIP(r).String(),
			"query_string":   stringutil.SampleLong(r.URL.RawQuery),
			"request_id":     middleware.GetReqID(r.Context()),
			"status":         ctxContainer.StatusCode,
			"user_agent":     r.UserAgent(),
		}

		if m.logDataChan != nil {
			m.logDataChan <- logData
		}

		m.logger.WithFields(logrus.Fields(logData)).
			Infof("canonical_log_line %s %s -> %v (%s)", r.Method, routeOrPath, ctxContainer.StatusCode, duration)
	})
}

func (m *CanonicalLogLineMiddleware) getIP(r *http.Request) net.IP {
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		// `X-Forwarded-For` may contain a number of IP addresses, with the
		// original client in the leftmost position, and each intermediary proxy
		// following. In these cases, just include the original IP so that we
		// can aggregate on it from logging.
		ips := strings.Split(forwardedFor, ",")
		return net.ParseIP(strings.TrimSpace(ips[0]))
	}

	ipStr, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return nil
	}

	return net.ParseIP(ipStr)
}

// PrettyDuration exists for the simple purpose of making a duration more useful
// when it's emitted to a JSON log or as a string.
//
// A duration will normally produce a string like "42.334µs" which is somewhat
// useful for humans, but not friendly for machine ingestion or aggregation.
// This standardizes the way we spit out durations in the log line to give us a
// normal seconds fraction like "0.000042" instead.
type PrettyDuration time.Duration

func (d PrettyDuration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d PrettyDuration) String() string {
	return fmt.Sprintf(`%05fs`, time.Duration(d).Seconds())
}

//
// ContextContainerMiddleware
//

// Internal type so that we can produce a guaranteed unique global context
// value.
type contextContainerContextKey struct{}

// ContextContainer is a type embedded to context that facilitates access to
// various values.
type ContextContainer struct {
	StatusCode int
}

// ContextContainerFrom returns the request's context container, or nil if
// ContextContainerMiddleware didn't run.
func ContextContainerFrom(ctx context.Context) *ContextContainer {
	ctxContainer, _ := ctx.Value(contextContainerContextKey{}).(*ContextContainer)
	return ctxContainer
}

// ContextContainerMiddleware embeds a context early in the request stack, which
// can be used to set various values along a request's lifecycle that can then
// be introspected by entities including other middleware.
type ContextContainerMiddleware struct{}

func (m *ContextContainerMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = context.WithValue(ctx, contextContainerContextKey{}, &ContextContainer{})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

//
// InspectableWriterMiddleware
//

// InspectableWriter wraps a response writer to track whether a response has
// been started and with which status code. Bodies pass straight through since
// they can be whole uploaded files.
type InspectableWriter struct {
	http.ResponseWriter

	StatusCode  int
	WroteHeader bool
}

func (w *InspectableWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *InspectableWriter) Write(data []byte) (int, error) {
	if !w.WroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	return w.ResponseWriter.Write(data) //nolint:wrapcheck
}

func (w *InspectableWriter) WriteHeader(statusCode int) {
	if w.WroteHeader {
		return
	}

	w.StatusCode = statusCode
	w.WroteHeader = true
	w.ResponseWriter.WriteHeader(statusCode)
}

type InspectableWriterMiddleware struct{}

func NewInspectableWriterMiddleware() *InspectableWriterMiddleware {
	return &InspectableWriterMiddleware{}
}

func (m *InspectableWriterMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(*InspectableWriter); !ok {
			w = &InspectableWriter{ResponseWriter: w}
		}
		next.ServeHTTP(w, r)
	})
}

//
// TimeoutMiddleware
//

// TimeoutMiddleware bounds request time. Handlers are expected to stop when
// their context is done, after which a 504 is sent if they hadn't started a
// response yet.
type TimeoutMiddleware struct {
	timeout time.Duration
}

func NewTimeoutMiddleware(timeout time.Duration) *TimeoutMiddleware {
	return &TimeoutMiddleware{timeout: timeout}
}

func (m *TimeoutMiddleware) Wrapper(next http.Handler) http.Handler {
	return NewInspectableWriterMiddleware().Wrapper(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), m.timeout)
		defer cancel()

		requestStart := time.Now()

		next.ServeHTTP(w, r.WithContext(ctx))

		inspectableWriter := w.(*InspectableWriter)
		if inspectableWriter.WroteHeader || ctx.Err() == nil {
			return
		}

		verb := "timed out"
		if errors.Is(ctx.Err(), context.Canceled) {
			verb = "was canceled"
		}

		if ctxContainer := ContextContainerFrom(r.Context()); ctxContainer != nil {
			ctxContainer.StatusCode = http.StatusGatewayTimeout
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusGatewayTimeout)
		_, _ = w.Write([]byte(fmt.Sprintf("The request %s after %s (maximum request time is %s).",
			verb, PrettyDuration(time.Since(requestStart)), PrettyDuration(m.timeout))))
	}))
}
