package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// HTTPService runs an http.Server as a supervised service.
type HTTPService struct {
	Addr    string
	Handler http.Handler

	// Listening, when set, receives the bound address once the listener is up.
	Listening func(addr net.Addr)
}

func (s *HTTPService) String() string {
	return "relay-http(" + s.Addr + ")"
}

// Serve listens until ctx is done, then shuts down gracefully.
func (s *HTTPService) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	if s.Listening != nil {
		s.Listening(ln.Addr())
	}

	srv := &http.Server{
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("relay listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("relay shutdown")
		}
		return ctx.Err()
	}
}
