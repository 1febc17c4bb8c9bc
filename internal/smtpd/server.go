// Package smtpd implements the inbound SMTP, LMTP and submission
// listeners.
package smtpd

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"

	"aox/internal/conf"
	"aox/internal/db"
	"aox/internal/metrics"
)

// Dialect selects which flavor of SMTP a listener speaks.
type Dialect int

const (
	Smtp Dialect = iota
	Lmtp
	Submit
)

func (d Dialect) String() string {
	switch d {
	case Lmtp:
		return "lmtp"
	case Submit:
		return "submit"
	}
	return "smtp"
}

// BlobStore stores message bodies outside the SQL store. Nil leaves
// them in the bodyparts table only.
type BlobStore interface {
	Put(ctx context.Context, key string, body []byte) error
}

// Server accepts inbound mail connections on one or more listeners.
type Server struct {
	store *db.Store
	cfg   *conf.Config
	blob  BlobStore

	tlsConfig *tls.Config

	listeners []net.Listener
	wg        sync.WaitGroup
	shutdown  chan struct{}
	mu        sync.Mutex
}

// NewServer creates a server; listeners are added with Listen. blob
// may be nil.
func NewServer(store *db.Store, cfg *conf.Config, blob BlobStore) *Server {
	s := &Server{
		store:    store,
		cfg:      cfg,
		blob:     blob,
		shutdown: make(chan struct{}),
	}
	if cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			log.Printf("Warning: cannot load TLS keypair: %v", err)
		} else {
			s.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		}
	}
	return s
}

// Listen starts accepting dialect connections on the endpoint.
func (s *Server) Listen(e *conf.Endpoint, dialect Dialect) error {
	ln, err := e.Listen()
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", e, err)
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
	log.Printf("%s server listening on %s", dialect, e)

	s.wg.Add(1)
	go s.acceptConnections(ln, dialect)
	return nil
}

// ListenTLS accepts submission connections with TLS negotiated before
// the banner, the old wrapper trick still common on port 465.
func (s *Server) ListenTLS(e *conf.Endpoint, dialect Dialect) error {
	if s.tlsConfig == nil {
		return fmt.Errorf("no TLS keypair configured")
	}
	ln, err := e.Listen()
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", e, err)
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, tls.NewListener(ln, s.tlsConfig))
	tlsLn := s.listeners[len(s.listeners)-1]
	s.mu.Unlock()
	log.Printf("%s server listening on %s (TLS)", dialect, e)

	s.wg.Add(1)
	go s.acceptConnections(tlsLn, dialect)
	return nil
}

func (s *Server) acceptConnections(ln net.Listener, dialect Dialect) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error on %s listener: %v", dialect, err)
				continue
			}
		}
		metrics.SmtpSessions.WithLabelValues(dialect.String()).Inc()
		log.Printf("New %s connection from %s", dialect, conn.RemoteAddr())

		sess := NewSession(conn, s, dialect)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			if err := sess.Handle(); err != nil {
				log.Printf("Session from %s ended: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// Shutdown closes the listeners and waits for sessions to drain.
func (s *Server) Shutdown() error {
	close(s.shutdown)
	s.mu.Lock()
	for _, ln := range s.listeners {
		if err := ln.Close(); err != nil {
			log.Printf("Error closing listener: %v", err)
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
	log.Println("All connections closed")
	return nil
}
