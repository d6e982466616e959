package connectserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof" // registers on http.DefaultServeMux
	"path"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"github.com/gorilla/mux"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/barebitcoin/btc-query/connectserver/logging"
)

func addContextLogger() connect.Interceptor {
	return connect.UnaryInterceptorFunc(func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			// Ensure that all request contexts have a brand-new context logger
			// that it is safe to manipulate.
			ctx = zerolog.Ctx(ctx).With().Logger().WithContext(ctx)
			return next(ctx, req)
		}
	})
}

type requestIdKeyType int

const requestIdKey requestIdKeyType = 1

const traceHeader = "x-trace-id"

func RequestID(ctx context.Context) string {
	value, ok := ctx.Value(requestIdKey).(string)
	if !ok {
		return ""
	}

	return value
}

func addRequestID() connect.Interceptor {
	return connect.UnaryInterceptorFunc(func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			requestId := "req_" + ulid.Make().String()
			if head := req.Header().Get(traceHeader); head != "" {
				requestId = head
			}
			log := zerolog.Ctx(ctx).With().Str("requestId", requestId).Logger()

			ctx = log.WithContext(ctx)
			ctx = context.WithValue(ctx, requestIdKey, requestId)

			res, err := next(ctx, req)

			// Propagate the request ID back to the caller
			if err == nil {
				res.Header().Set(traceHeader, requestId)
			}

			var connectErr *connect.Error
			if errors.As(err, &connectErr) {
				connectErr.Meta().Set(traceHeader, requestId)
			}

			return res, err
		}
	})
}

// New creates a new Server with interceptors applied.
func New(logConf logging.InterceptorConf, interceptors ...connect.Interceptor) *Server {
	// Ordering of interceptors matter! First interceptors in the list get
	// called first.
	allInterceptors := []connect.Interceptor{
		addContextLogger(),
		addRequestID(),
		panicInterceptor(),
		logging.Interceptor(logConf),
	}

	allInterceptors = append(allInterceptors, interceptors...)

	router := mux.NewRouter()
	router.Use(recoverHTTP)

	health := grpchealth.NewStaticChecker()
	healthPath, healthHandler := grpchealth.NewHandler(health)
	router.PathPrefix(healthPath).Handler(healthHandler)

	return &Server{
		router:       router,
		health:       health,
		interceptors: allInterceptors,
	}
}

// Server exposes a set of Connect procedures over gRPC, gRPC-Web and
// HTTP/JSON. It supports health checks out of the box.
type Server struct {
	// used for creating the health service
	mu       sync.Mutex
	services []string

	pprof bool

	router *mux.Router
	server *http.Server
	health *grpchealth.StaticChecker

	interceptors []connect.Interceptor
}

var pprofOnce sync.Once

// Serve pprof data. Since we're not specifying a handler in the server,
// it uses the default serve mux. The blank import of pprof above
// registers routes to the default serve mux, which is why this seemingly
// pointless code works.
//
// Blog: https://go.dev/blog/pprof
func (s *Server) WithPprof(ctx context.Context) *Server {
	s.pprof = true

	pprofOnce.Do(func() {
		address := "localhost:6060"
		zerolog.Ctx(ctx).Warn().Msgf("server: enabling pprof: %s", address)
		go func() {
			srv := httpServer(address, http.DefaultServeMux)
			err := srv.ListenAndServe()
			if err != nil {
				zerolog.Ctx(ctx).Err(err).Msg("server: serve pprof")
			}
		}()
	})

	return s
}

func (s *Server) Handler() http.Handler {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// If the body is completely empty, replace it with the
		// empty object. This makes it possible to send requests
		// without a body, without getting a cryptic error.
		if r.ContentLength == 0 && r.Header.Get("Content-Type") == "application/json" {
			r.Body = io.NopCloser(strings.NewReader(`{}`))
			r.ContentLength = 2
		}

		s.router.ServeHTTP(w, r)
	})

	// Use h2c, so we can serve HTTP/2 without TLS.
	return h2c.NewHandler(handler, &http2.Server{})
}

// Services lists the registered Connect services.
func (s *Server) Services() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return lo.Map(s.services, func(svc string, index int) string {
		// Remove trailing and leading slashes
		return strings.Trim(svc, "/")
	})
}

func (s *Server) Serve(ctx context.Context, address string) error {
	log := zerolog.Ctx(ctx)

	log.Debug().Msgf("serve connect: enabling health check: %s",
		strings.Join(s.Services(), ", "))

	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("could not listen: %w", err)
	}

	defer func() {
		err := lis.Close()
		if err == nil {
			return
		}

		switch {
		case errors.Is(err, net.ErrClosed),
			errors.Is(err, http.ErrServerClosed):
			return
		}

		log.Error().Err(err).
			Msg("could not close listener")
	}()

	s.mu.Lock()
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Minute,
	}
	srv := s.server
	s.mu.Unlock()

	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}

	return nil
}

func (s *Server) SetHealthStatus(service string, status grpchealth.Status) {
	s.health.SetStatus(service, status)
}

// Shutdown tries to gracefully stop the server, forcing a shutdown
// after a timeout if this isn't possible. It is safe to call on a
// nil server.
func (s *Server) Shutdown(ctx context.Context) {
	if s == nil {
		return
	}

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return
	}

	log := zerolog.Ctx(ctx)

	const timeout = time.Second * 3

	// If we have requests that don't complete we risk hanging forever.
	// Therefore, force stop after a timeout.
	var stopped, forced atomic.Bool
	time.AfterFunc(timeout, func() {
		if stopped.Load() {
			return
		}

		log.Printf("server: forcing stop after %s", timeout)
		forced.Store(true)
		if err := srv.Close(); err != nil {
			log.Err(err).Msg("server: could not force stop HTTP server")
			return
		}
	})

	log.Print("server: trying graceful stop")
	if err := srv.Shutdown(context.Background()); err != nil {
		log.Err(err).Msg("server: could not gracefully stop HTTP server")
		return
	}

	if !forced.Load() {
		log.Print("server: successful graceful stop")
	}

	stopped.Store(true)
}

// Handle registers a unary procedure, e.g. "/pkg.v1.Service/Method".
// Messages are plain Go structs, serialized as JSON.
//
// _NOT_ a part of the Server API, because methods can't have type
// parameters.
func Handle[Req, Res any](
	s *Server, procedure string,
	fn func(context.Context, *connect.Request[Req]) (*connect.Response[Res], error),
) {
	handler := connect.NewUnaryHandler(procedure, fn,
		connect.WithInterceptors(s.interceptors...),
		connect.WithCodec(jsonCodec{}),
	)
	s.router.Handle(procedure, handler)

	service := path.Dir(procedure)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !lo.Contains(s.services, service) {
		s.services = append(s.services, service)
		s.health.SetStatus(strings.Trim(service, "/"), grpchealth.StatusServing)
	}
}

// returns a HTTP server with sensible defaults.
func httpServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: handler,

		// To please the linter: without this we're apparently susceptible
		// to a slow loris attack.
		ReadHeaderTimeout: time.Second * 30,
	}
}

// recoverHTTP is router middleware that catches panics outside of the
// Connect handlers, e.g. in the health service.
func recoverHTTP(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				stack := string(debug.Stack())
				// Add a regular ol' stack print here, as that's
				// much easier to see in the console
				fmt.Println(stack)

				w.WriteHeader(http.StatusInternalServerError)
				zerolog.Ctx(r.Context()).Error().
					Err(fmt.Errorf("%v", err)).
					Str("stack", stack).
					Msg("recovered from panic while serving HTTP")
			}
		}()
		handler.ServeHTTP(w, r)
	})
}

// PanicInterceptor ensures we never crash with a panic when serving
// Cribbed from https://github.com/grpc-ecosystem/go-grpc-middleware
func panicInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (resp connect.AnyResponse, err error) {
			panicked := true

			defer func() {
				if r := recover(); r != nil || panicked {
					err = recoverFrom(ctx, r)
				}
			}()

			resp, err = next(ctx, req)
			panicked = false
			return resp, err
		}
	}
}

func recoverFrom(ctx context.Context, panic any) error {
	err := fmt.Errorf("panic: %v", panic)

	zerolog.Ctx(ctx).Warn().Stack().Err(err).
		Interface("panic", panic).
		Msg("recovered while serving Connect")

	fmt.Println(string(debug.Stack()))

	return connect.NewError(connect.CodeInternal, err)
}
