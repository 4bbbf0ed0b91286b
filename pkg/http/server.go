// Package http holds the internal HTTP API of quotamgr.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	http_pprof "net/http/pprof"
	"runtime/pprof"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/treeverse/quotamgr/pkg/quota"
)

const (
	forceShutdownTime = 10 * time.Second
	JSONContentType   = "application/json"
)

// Quotas is the part of quota.Manager served over HTTP.
type Quotas interface {
	QueryUsageAndQuota(ctx context.Context, origin quota.Origin, class quota.StorageClass) (quota.UsageAndQuota, error)
	QueryGlobalUsage(ctx context.Context, class quota.StorageClass) (int64, error)
	QueryHostUsage(ctx context.Context, host string, class quota.StorageClass) (int64, error)
	QueryTemporaryGlobalQuota(ctx context.Context) (int64, error)
	UpdateTemporaryGlobalQuota(ctx context.Context, q int64) (int64, error)
	QueryPersistentHostQuota(ctx context.Context, host string) (int64, error)
	UpdatePersistentHostQuota(ctx context.Context, host string, q int64) (int64, error)
}

var _ Quotas = (*quota.Manager)(nil)

type Server struct {
	Quotas Quotas
	Log    *zap.Logger
}

func (s *Server) log() *zap.SugaredLogger {
	if s.Log == nil {
		return zap.NewNop().Sugar()
	}
	return s.Log.Sugar().Named("http")
}

// Handler returns the router for all HTTP traffic.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Mount("/_health", ServeHealth())
	router.Mount("/internal/_pprof/", ServePPRof())
	// Internal service, respond only on a designated "internal" endpoint.
	router.Mount("/internal/api/v1", s.ServeREST())
	return router
}

// Serve serves all HTTP traffic on listenAddress until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, listenAddress string) error {
	server := &http.Server{
		Addr:              listenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	s.log().Infow("Serving", "address", listenAddress)

	select {
	case err := <-errCh:
		return fmt.Errorf("listen on %s: %w", listenAddress, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), forceShutdownTime)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shut down: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func ServeHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "alive!")
	})
}

type usageResponse struct {
	Class string `json:"class"`
	Host  string `json:"host,omitempty"`
	Usage int64  `json:"usage"`
}

type usageAndQuotaResponse struct {
	Origin string `json:"origin"`
	Class  string `json:"class"`
	Usage  int64  `json:"usage"`
	Quota  int64  `json:"quota"`
}

type quotaResponse struct {
	Host  string `json:"host,omitempty"`
	Quota int64  `json:"quota"`
}

// QuotaRequest sets a quota, either in bytes or as a humanized size such
// as "10GiB".
type QuotaRequest struct {
	Quota     *int64 `json:"quota,omitempty"`
	QuotaSize string `json:"quota_size,omitempty"`
}

func (q QuotaRequest) bytes() (int64, error) {
	switch {
	case q.Quota != nil && q.QuotaSize != "":
		return 0, fmt.Errorf("both quota and quota_size: %w", quota.ErrInvalidArgument)
	case q.Quota != nil:
		return *q.Quota, nil
	case q.QuotaSize != "":
		n, err := humanize.ParseBytes(q.QuotaSize)
		if err != nil {
			return 0, fmt.Errorf("quota_size %q: %w: %w", q.QuotaSize, quota.ErrInvalidArgument, err)
		}
		if n > 1<<63-1 {
			return 0, fmt.Errorf("quota_size %q too large: %w", q.QuotaSize, quota.ErrInvalidArgument)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("missing quota: %w", quota.ErrInvalidArgument)
	}
}

func (s *Server) ServeREST() http.Handler {
	router := chi.NewRouter()

	router.Get("/usage/{class}", func(w http.ResponseWriter, r *http.Request) {
		class, err := quota.ParseStorageClass(chi.URLParam(r, "class"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		usage, err := s.Quotas.QueryGlobalUsage(r.Context(), class)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, usageResponse{Class: class.String(), Usage: usage})
	})

	router.Get("/usage/{class}/hosts/{host}", func(w http.ResponseWriter, r *http.Request) {
		class, err := quota.ParseStorageClass(chi.URLParam(r, "class"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		host := chi.URLParam(r, "host")
		usage, err := s.Quotas.QueryHostUsage(r.Context(), host, class)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, usageResponse{Class: class.String(), Host: host, Usage: usage})
	})

	router.Get("/usage-and-quota", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		origin, err := quota.ParseOrigin(query.Get("origin"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		class, err := quota.ParseStorageClass(query.Get("class"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		uq, err := s.Quotas.QueryUsageAndQuota(r.Context(), origin, class)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, usageAndQuotaResponse{
			Origin: origin.String(),
			Class:  class.String(),
			Usage:  uq.Usage,
			Quota:  uq.Quota,
		})
	})

	router.Get("/quota/temporary", func(w http.ResponseWriter, r *http.Request) {
		q, err := s.Quotas.QueryTemporaryGlobalQuota(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, quotaResponse{Quota: q})
	})

	router.Put("/quota/temporary", func(w http.ResponseWriter, r *http.Request) {
		n, err := readQuota(w, r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		q, err := s.Quotas.UpdateTemporaryGlobalQuota(r.Context(), n)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, quotaResponse{Quota: q})
	})

	router.Get("/quota/persistent/hosts/{host}", func(w http.ResponseWriter, r *http.Request) {
		host := chi.URLParam(r, "host")
		q, err := s.Quotas.QueryPersistentHostQuota(r.Context(), host)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, quotaResponse{Host: host, Quota: q})
	})

	router.Put("/quota/persistent/hosts/{host}", func(w http.ResponseWriter, r *http.Request) {
		host := chi.URLParam(r, "host")
		n, err := readQuota(w, r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		q, err := s.Quotas.UpdatePersistentHostQuota(r.Context(), host, n)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, quotaResponse{Host: host, Quota: q})
	})

	return router
}

func readQuota(w http.ResponseWriter, r *http.Request) (int64, error) {
	var req QuotaRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return 0, fmt.Errorf("decode body: %w: %w", quota.ErrInvalidArgument, err)
	}
	return req.bytes()
}

// HTTPStatus maps an error from quota.Manager onto an HTTP status code.
func HTTPStatus(err error) int {
	switch quota.StatusOf(err) {
	case quota.StatusOK:
		return http.StatusOK
	case quota.StatusAbort:
		return http.StatusServiceUnavailable
	case quota.StatusUnknownClass, quota.StatusInvalidArgument:
		return http.StatusBadRequest
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		s.log().Errorw("Request failed", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	}
	s.writeJSON(w, code, errorResponse{Status: quota.StatusOf(err).String(), Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	encodedBody, err := json.Marshal(body)
	if err != nil {
		s.log().Errorw("Encode response", "body", body, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", JSONContentType)
	w.WriteHeader(code)
	if _, err = w.Write(encodedBody); err != nil {
		s.log().Warnw("Write response", "bytes", len(encodedBody), "error", err)
	}
}

func ServePPRof() http.Handler {
	router := chi.NewRouter()
	router.Get("/", http_pprof.Index)
	for _, profile := range pprof.Profiles() {
		name := profile.Name()
		router.Get("/"+name, http_pprof.Handler(name).ServeHTTP)
	}
	router.Get("/cmdline", http_pprof.Cmdline)
	router.Get("/profile", http_pprof.Profile)
	router.Get("/symbol", http_pprof.Symbol)
	router.Get("/trace", http_pprof.Trace)

	return router
}
