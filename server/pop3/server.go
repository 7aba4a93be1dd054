// Package pop3 implements the client-facing POP3 gateway: the listener, the
// per-connection session state machine, and the command handlers that invoke
// the crypto and offload pipeline on RETR.
package pop3

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/openkim/kimgate/config"
	"github.com/openkim/kimgate/journal"
	"github.com/openkim/kimgate/logger"
	"github.com/openkim/kimgate/pipeline"
	"github.com/openkim/kimgate/pkg/metrics"
)

type Server struct {
	name           string
	addr           string
	hostname       string
	appCtx         context.Context
	cancel         context.CancelFunc
	tlsConfig      *tls.Config
	implicitTLS    bool
	sessionTimeout time.Duration
	connectTimeout time.Duration
	backendCfg     config.BackendConfig
	registry       *pipeline.Registry
	journal        *journal.Journal
	debug          bool

	wg sync.WaitGroup

	// Active session tracking for graceful shutdown
	activeSessionsMu sync.RWMutex
	activeSessions   map[*Session]struct{}
}

// New builds the gateway server from the loaded configuration. The registry
// supplies the pipeline operations RETR runs; the journal may be nil.
func New(appCtx context.Context, cfg config.Config, registry *pipeline.Registry, j *journal.Journal) (*Server, error) {
	serverCtx, serverCancel := context.WithCancel(appCtx)

	sessionTimeout, err := cfg.Server.GetSessionTimeout()
	if err != nil {
		serverCancel()
		return nil, err
	}
	connectTimeout, err := cfg.Backend.GetConnectTimeout()
	if err != nil {
		serverCancel()
		return nil, err
	}

	s := &Server{
		name:           "pop3",
		addr:           cfg.Server.Addr,
		hostname:       cfg.Server.Hostname,
		appCtx:         serverCtx,
		cancel:         serverCancel,
		implicitTLS:    cfg.Server.TLS,
		sessionTimeout: sessionTimeout,
		connectTimeout: connectTimeout,
		backendCfg:     cfg.Backend,
		registry:       registry,
		journal:        j,
		debug:          cfg.Server.Debug,
		activeSessions: make(map[*Session]struct{}),
	}

	// Certificates loaded here serve both implicit TLS and STLS upgrades.
	if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		if err != nil {
			serverCancel()
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		s.tlsConfig = &tls.Config{
			Certificates:  []tls.Certificate{cert},
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.Server.Hostname,
			NextProtos:    []string{"pop3"},
			Renegotiation: tls.RenegotiateNever,
		}
	} else if cfg.Server.TLS {
		serverCancel()
		return nil, fmt.Errorf("server.tls enabled but no tls_cert_file/tls_key_file provided")
	}

	return s, nil
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to create listener: %w", err)
	}
	if s.implicitTLS {
		listener = tls.NewListener(listener, s.tlsConfig)
	}
	defer listener.Close()

	logger.Info("POP3 gateway listening", "addr", s.addr, "tls", s.implicitTLS)

	go func() {
		<-s.appCtx.Done()
		listener.Close()
	}()

	return s.acceptConnections(listener)
}

func (s *Server) acceptConnections(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.appCtx.Err() != nil {
				return nil
			}
			// Accept errors are connection-level issues; the listener itself
			// is still healthy.
			logger.Debug("failed to accept connection", "error", err)
			continue
		}

		sessionCtx, sessionCancel := context.WithCancel(s.appCtx)
		session := newSession(s, conn, sessionCtx, sessionCancel)

		metrics.ConnectionsTotal.WithLabelValues("pop3").Inc()
		metrics.ConnectionsCurrent.WithLabelValues("pop3").Inc()

		s.addSession(session)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("session panic recovered", "panic", r)
					conn.Close()
				}
			}()
			session.handleConnection()
		}()
	}
}

func (s *Server) Stop() error {
	logger.Info("POP3 gateway stopping")

	s.sendGracefulShutdownMessage()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("POP3 gateway stopped gracefully")
	case <-time.After(30 * time.Second):
		logger.Warn("POP3 gateway stop timeout")
	}
	return nil
}

func (s *Server) addSession(session *Session) {
	s.activeSessionsMu.Lock()
	defer s.activeSessionsMu.Unlock()
	s.activeSessions[session] = struct{}{}
}

func (s *Server) removeSession(session *Session) {
	s.activeSessionsMu.Lock()
	defer s.activeSessionsMu.Unlock()
	delete(s.activeSessions, session)
}

// sendGracefulShutdownMessage notifies all active clients before closing
// their connections.
func (s *Server) sendGracefulShutdownMessage() {
	s.activeSessionsMu.RLock()
	sessions := make([]*Session, 0, len(s.activeSessions))
	for session := range s.activeSessions {
		sessions = append(sessions, session)
	}
	s.activeSessionsMu.RUnlock()

	if len(sessions) == 0 {
		return
	}
	logger.Info("sending shutdown notice to active sessions", "count", len(sessions))

	for _, session := range sessions {
		session.notifyShutdown()
	}
	time.Sleep(1 * time.Second)
	for _, session := range sessions {
		session.closeConnections()
	}
}
