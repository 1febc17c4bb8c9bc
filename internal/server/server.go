// Package server implements the IMAP server: per-connection sessions,
// the tagged-command pipeline, and the response sequencer.
package server

import (
	"crypto/tls"
	"log"
	"net"
	"sync"

	"aox/internal/blobstorage"
	"aox/internal/conf"
	"aox/internal/db"
	"aox/internal/metrics"
)

// IMAPServer accepts IMAP connections and owns the resources the
// sessions share.
type IMAPServer struct {
	store *db.Store
	cfg   *conf.Config
	blob  *blobstorage.S3BlobStorage

	certPath string
	keyPath  string

	mu         sync.Mutex
	inShutdown bool
	sessions   map[*Session]bool
}

// NewIMAPServer creates the server.
func NewIMAPServer(store *db.Store, cfg *conf.Config) *IMAPServer {
	return &IMAPServer{
		store:    store,
		cfg:      cfg,
		certPath: cfg.TLSCert,
		keyPath:  cfg.TLSKey,
		sessions: make(map[*Session]bool),
	}
}

// NewIMAPServerWithS3 creates the server with an S3 blob store for
// message bodies.
func NewIMAPServerWithS3(store *db.Store, cfg *conf.Config, s3 *blobstorage.S3BlobStorage) *IMAPServer {
	s := NewIMAPServer(store, cfg)
	s.blob = s3
	return s
}

// SetTLSCertificates sets custom TLS certificate paths (useful for
// testing).
func (s *IMAPServer) SetTLSCertificates(certPath, keyPath string) {
	s.certPath = certPath
	s.keyPath = keyPath
}

// HandleConnection runs one plaintext IMAP session to completion.
func (s *IMAPServer) HandleConnection(conn net.Conn) {
	metrics.ImapSessions.Inc()
	sess := NewSession(s, conn)
	s.track(sess)
	defer s.untrack(sess)
	sess.Run()
}

// HandleTLSConnection wraps the connection in TLS first, for the
// IMAPS port.
func (s *IMAPServer) HandleTLSConnection(conn net.Conn) {
	cert, err := tls.LoadX509KeyPair(s.certPath, s.keyPath)
	if err != nil {
		log.Printf("Cannot load TLS keypair: %v", err)
		conn.Close()
		return
	}
	tlsConn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{cert}})
	if err := tlsConn.Handshake(); err != nil {
		log.Printf("TLS handshake with %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	s.HandleConnection(tlsConn)
}

// BeginShutdown rejects new commands (other than LOGOUT) on every
// session and lets in-flight commands finish. Sessions notice on
// their next event.
func (s *IMAPServer) BeginShutdown() {
	s.mu.Lock()
	s.inShutdown = true
	s.mu.Unlock()
}

// InShutdown reports whether BeginShutdown was called.
func (s *IMAPServer) InShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inShutdown
}

func (s *IMAPServer) track(sess *Session) {
	s.mu.Lock()
	s.sessions[sess] = true
	s.mu.Unlock()
}

func (s *IMAPServer) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}
