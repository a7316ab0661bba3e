package engine

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Authenticator gates handlers behind the configured credentials.
// WithAuthn enforces the API token; WithAdmin enforces an admin session.
type Authenticator interface {
	WithAuthn(http.HandlerFunc) http.HandlerFunc
	WithAdmin(http.HandlerFunc) http.HandlerFunc
}

type noopAuthenticator struct{}

func (noopAuthenticator) WithAuthn(fn http.HandlerFunc) http.HandlerFunc { return fn }
func (noopAuthenticator) WithAdmin(fn http.HandlerFunc) http.HandlerFunc { return fn }

// RequestObserver receives one sample per handled request.
type RequestObserver func(method, pattern string, status int, latency time.Duration)

type Router struct {
	router   *http.ServeMux
	observer RequestObserver

	// Authenticator can be used to pass an authenticator implementation to other handlers.
	Authenticator
}

func NewRouter() *Router {
	return &Router{router: http.NewServeMux(), Authenticator: noopAuthenticator{}}
}

// Observe registers an observer invoked after every request handled
// through HandleFunc.
func (r *Router) Observe(obs RequestObserver) { r.observer = obs }

// Serve wires up the stdlib http server to the engine.
func (r *Router) Serve(addr string) Proc {
	return func(ctx context.Context) error {
		svr := &http.Server{Handler: r, Addr: addr}
		go func() {
			<-ctx.Done()
			slog.Warn("gracefully shutting down http server...")
			svr.Shutdown(context.Background())
		}()
		if err := svr.ListenAndServe(); err != nil {
			return err
		}
		slog.Info("the http server has shut down")
		return nil
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, rr *http.Request) { r.router.ServeHTTP(w, rr) }

func (r *Router) Handle(route string, h http.Handler) { r.router.Handle(route, h) }

func (r *Router) HandleFunc(route string, fn http.HandlerFunc) {
	r.router.HandleFunc(route, func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()

		ww := &responseWrapper{ResponseWriter: w, status: 200}
		fn(ww, req)

		latency := time.Since(start)
		slog.Info("http request", "url", req.URL.Path, "method", req.Method, "latencyMS", latency.Milliseconds(), "status", ww.status)
		if r.observer != nil {
			r.observer(req.Method, route, ww.status, latency)
		}
	})
}

type responseWrapper struct {
	http.ResponseWriter
	status int
}

func (w *responseWrapper) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush implements http.Flusher to support streaming responses (SSE, MJPEG).
func (w *responseWrapper) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
