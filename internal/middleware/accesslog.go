package middleware

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/sdko-org/blog-api/internal/models"
	"github.com/sdko-org/blog-api/internal/ratelimit"
	"github.com/sdko-org/blog-api/internal/reqctx"
	"github.com/sirupsen/logrus"
)

const unmatchedRoute = "unmatched"

// Recorder persists access log rows. A nil Recorder only logs.
type Recorder interface {
	Record(ctx context.Context, entry *models.AccessLog) error
}

// RequestObserver receives one observation per finished request.
type RequestObserver interface {
	ObserveRequest(method, route string, status int, d time.Duration)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	bytesSent   int
	wroteHeader bool
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	if !lrw.wroteHeader {
		lrw.statusCode = code
		lrw.wroteHeader = true
	}
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if !lrw.wroteHeader {
		lrw.WriteHeader(http.StatusOK)
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytesSent += n
	return n, err
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

func AccessLog(logger *logrus.Logger, recorder Recorder, observer RequestObserver) Middleware {
	logEntry := logger.WithField("component", "http_middleware")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			defer func() {
				rec := recover()
				if rec != nil && !lrw.wroteHeader {
					lrw.statusCode = http.StatusInternalServerError
				}
				if rec != nil {
					defer panic(rec)
				}

				duration := time.Since(start)
				clientIP := clientAddr(r)

				var userID string
				route := unmatchedRoute
				if rc := reqctx.From(r.Context()); rc != nil {
					if rc.User != nil {
						userID = rc.User.ID
					}
					if rc.Route != "" {
						route = rc.Route
					}
				}

				logEntry.WithFields(logrus.Fields{
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     lrw.statusCode,
					"duration":   duration,
					"client_ip":  clientIP,
					"bytes":      lrw.bytesSent,
					"user_agent": r.UserAgent(),
				}).Info("Request processed")

				if observer != nil {
					observer.ObserveRequest(r.Method, route, lrw.statusCode, duration)
				}
				if recorder == nil {
					return
				}

				entry := &models.AccessLog{
					Timestamp: start,
					Method:    r.Method,
					Path:      r.URL.Path,
					Status:    lrw.statusCode,
					Duration:  duration,
					ClientIP:  clientIP,
					UserID:    userID,
					UserAgent: r.UserAgent(),
					BytesSent: lrw.bytesSent,
				}
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()

					if err := recorder.Record(ctx, entry); err != nil {
						logEntry.WithError(err).Warn("Failed to save access log")
					}
				}()
			}()

			next.ServeHTTP(lrw, r)
		})
	}
}

// clientAddr prefers the forwarded address and falls back to the peer.
func clientAddr(r *http.Request) string {
	if ip := ratelimit.ClientIP(r); ip != "unknown" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
