package dwp

import (
	"log/slog"
	"time"

	"github.com/taskhub/dispatch/auth"
)

// Option configures a DWP Server.
type Option func(*Server)

// WithAuth sets the authenticator for the DWP server.
// If not set, auth.NoopAuthenticator is used (development mode).
func WithAuth(a auth.Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithCodec sets the default codec for the DWP server.
// Clients can override via the auth frame's format field.
func WithCodec(codec Codec) Option {
	return func(s *Server) { s.defaultCodec = codec }
}

// WithLogger sets the logger for the DWP server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithPath sets the base path for DWP endpoints.
// Default is "/dwp".
func WithPath(path string) Option {
	return func(s *Server) { s.basePath = path }
}

// WithAuthTimeout bounds how long a new WebSocket may take to send its
// auth frame. Default is 10s.
func WithAuthTimeout(d time.Duration) Option {
	return func(s *Server) { s.authTimeout = d }
}

// WithIdleTimeout closes websockets that send no frame, pings included,
// for d. Zero keeps idle connections open.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

// WithOfflineOnDisconnect takes a doer offline when its last websocket
// closes instead of waiting for the heartbeat TTL.
func WithOfflineOnDisconnect() Option {
	return func(s *Server) { s.offlineOnDisconnect = true }
}

// WithFederation attaches a federation manager to the server,
// enabling server-to-server DWP methods (federation.event,
// federation.heartbeat).
func WithFederation(f *Federation) Option {
	return func(s *Server) { s.federation = f }
}
