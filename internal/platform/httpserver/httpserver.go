package httpserver

import (
	"context"
	"net/http"
	"time"
)

// New builds an HTTP server with sane defaults for this project. No write
// timeout is set because /realtime connections are long lived.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}
}

// Drain stops srv from accepting connections and then runs closeHijacked,
// which must close connections the server no longer tracks (websockets).
// It returns whatever closeHijacked reports alongside the shutdown error.
func Drain(ctx context.Context, srv *http.Server, closeHijacked func() int) (int, error) {
	err := srv.Shutdown(ctx)
	return closeHijacked(), err
}
