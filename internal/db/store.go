package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
)

// Store wraps the PostgreSQL connection shared by the daemons.
type Store struct {
	db  *sql.DB
	dsn string

	listeners []*pq.Listener
}

// Open connects to the database and pings it.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &Store{db: db, dsn: dsn}, nil
}

// DB exposes the raw handle for query helpers.
func (s *Store) DB() *sql.DB { return s.db }

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// Close shuts down the connection pool and any listeners.
func (s *Store) Close() error {
	for _, l := range s.listeners {
		if err := l.Close(); err != nil {
			log.Printf("Error closing listener: %v", err)
		}
	}
	return s.db.Close()
}

// Listen subscribes to a NOTIFY channel and returns a channel that
// receives a token per notification. Reconnects are handled by
// pq.Listener; a reconnect also sends a token so the consumer can
// rescan for anything missed while disconnected.
func (s *Store) Listen(channel string) (<-chan struct{}, error) {
	report := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Printf("Database listener event %d: %v", ev, err)
		}
	}
	l := pq.NewListener(s.dsn, 2*time.Second, time.Minute, report)
	if err := l.Listen(channel); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
	}
	s.listeners = append(s.listeners, l)

	out := make(chan struct{}, 1)
	go func() {
		for n := range l.Notify {
			if n == nil {
				log.Printf("Listener for %s reconnected", channel)
			}
			select {
			case out <- struct{}{}:
			default:
			}
		}
		close(out)
	}()
	return out, nil
}

// Notify fires a NOTIFY on channel, for the writers' side.
func (s *Store) Notify(ctx context.Context, channel string) error {
	_, err := s.db.ExecContext(ctx, "select pg_notify($1, '')", channel)
	return err
}
