// Package httpapi carries request frames over HTTP and serves a read-only
// listing of known blob identifiers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/xblob/pkg/logging"
	"github.com/jacktea/xblob/pkg/server/middleware"
)

// DefaultMaxFrameBytes bounds an exchange request body.
const DefaultMaxFrameBytes = 1 << 20

const frameContentType = "application/octet-stream"

// Handler answers request frames; *dispatch.Dispatcher satisfies it.
type Handler interface {
	Handle(ctx context.Context, request []byte) []byte
}

// Lister reports every identifier; *registry.Registry satisfies it.
type Lister interface {
	ListAllBlobIDs() []string
}

// Server exposes a Handler over HTTP.
type Server struct {
	Handler Handler
	Blobs   Lister
	Log     *zerolog.Logger
	Opts    Options
}

// Options configure auth, rate limiting and body limits.
type Options struct {
	APIKey        string
	RateLimit     middleware.RateLimitOptions
	MaxFrameBytes int64
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/v1/exchange", s.handleExchange)
	mux.HandleFunc("/v1/blobs", s.handleBlobs)
	return s.applyMiddleware(mux)
}

func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Handler == nil {
		http.Error(w, "no handler", http.StatusServiceUnavailable)
		return
	}
	limit := s.Opts.MaxFrameBytes
	if limit <= 0 {
		limit = DefaultMaxFrameBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request frame too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	resp := s.Handler.Handle(r.Context(), body)
	w.Header().Set("Content-Type", frameContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp); err != nil {
		zerolog.Ctx(r.Context()).Debug().Err(err).Int("len", len(resp)).Msg("write exchange response")
	}
}

func (s *Server) handleBlobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ids := []string{}
	if s.Blobs != nil {
		ids = append(ids, s.Blobs.ListAllBlobIDs()...)
	}
	response := struct {
		Blobs []string `json:"blobs"`
	}{Blobs: ids}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		zerolog.Ctx(r.Context()).Debug().Err(err).Msg("write blob listing")
	}
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	log := logging.OrNop(s.Log).With().Str("component", "http").Logger()
	return middleware.Wrap(handler,
		middleware.RequestLogger(log),
		middleware.APIKeyAuth(s.Opts.APIKey, "/healthz"),
		middleware.RateLimit(s.Opts.RateLimit),
	)
}
