package webchat

import (
	"context"
	"net/http"
	"time"

	"github.com/go-go-golems/chatstream/pkg/eventbus"
	"github.com/go-go-golems/chatstream/pkg/stream"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

type ServerOptions struct {
	Addr    string
	Service *stream.Service
	// Bus feeds /ws/events. Optional.
	Bus eventbus.Bus
	// APIKey is the provider credential used when a request carries no
	// bearer token.
	APIKey   string
	Upgrader *websocket.Upgrader
}

// Server exposes a stream.Service over HTTP and websockets.
type Server struct {
	svc      *stream.Service
	hub      *StreamHub
	idem     *idempotencyCache
	apiKey   string
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("webchat: service is nil")
	}
	hub, err := NewStreamHub(opts.Service, opts.Bus)
	if err != nil {
		return nil, err
	}
	s := &Server{
		svc:      opts.Service,
		hub:      hub,
		idem:     newIdempotencyCache(),
		apiKey:   opts.APIKey,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	if opts.Upgrader != nil {
		s.upgrader = *opts.Upgrader
	}
	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Hub() *StreamHub { return s.hub }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("POST /api/streams", s.handleCreateStream)
	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("GET /api/streams/{id}", s.handleGetStream)
	mux.HandleFunc("DELETE /api/streams/{id}", s.handleAbortStream)
	mux.HandleFunc("GET /ws/streams/{id}", s.handleStreamSocket)
	mux.HandleFunc("GET /ws/events", s.handleEventSocket)
	return mux
}

// Run serves until ctx is done, then shuts the HTTP server down. Closing the
// stream service is left to the caller.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if err := s.hub.Start(ctx); err != nil {
		return err
	}
	s.svc.StartCleanupLoop(ctx)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down chatstream server...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		s.hub.Close()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})
	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting chatstream server")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})
	return eg.Wait()
}
