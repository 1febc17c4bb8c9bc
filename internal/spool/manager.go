// Package spool drains the deliveries table: a manager scans for due
// messages and hands each to a delivery agent, which talks to the
// smarthost and writes the outcome back transactionally.
package spool

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lib/pq"

	"aox/internal/conf"
	"aox/internal/db"
	"aox/internal/models"
)

// spoolInterval is the retry cadence, in seconds. The expires_at
// refresh and the next-attempt query spell the same 900 s in their SQL;
// the constant itself sets the rescan timer after a failed scan or
// while agents are still working.
const spoolInterval = 900

var (
	smMu       sync.Mutex
	sm         *SpoolManager
	shutdownNow bool
)

// SpoolManager periodically attempts to deliver mail from the
// deliveries table to the smarthost. Each process has at most one,
// created by Setup.
type SpoolManager struct {
	store *db.Store
	cfg   *conf.Config
	blob  BlobFetcher

	wake  chan struct{}
	stop  chan struct{}
	timer *time.Timer

	mu     sync.Mutex
	agents []*DeliveryAgent
}

// BlobFetcher fetches message bodies stored outside the SQL store.
// Nil means bodies are in the bodyparts table.
type BlobFetcher interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Setup creates the singleton manager and starts its queue runs. It
// is a no-op if the manager exists or was shut down.
func Setup(store *db.Store, cfg *conf.Config, blob BlobFetcher) error {
	smMu.Lock()
	defer smMu.Unlock()
	if sm != nil || shutdownNow {
		return nil
	}

	m := &SpoolManager{
		store: store,
		cfg:   cfg,
		blob:  blob,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}

	// Push back expiry on everything still undelivered, so a long
	// downtime does not expire the whole queue at startup.
	_, err := store.DB().Exec(
		`update deliveries
		    set expires_at = current_timestamp + interval '900 s'
		  where expires_at < current_timestamp + interval '900 s'
		    and id in (select delivery from delivery_recipients
		                where action = $1 or action = $2)`,
		int(models.ActionUnknown), int(models.ActionDelayed))
	if err != nil {
		return err
	}

	notify, err := store.Listen("deliveries_updated")
	if err != nil {
		return err
	}
	go func() {
		for range notify {
			m.DeliverNewMessage()
		}
	}()

	sm = m
	go m.run()
	m.poke()
	log.Println("Spool manager started")
	return nil
}

// Shutdown stops the manager and prevents a restart. It is called
// when a delivery agent cannot persist its results; continuing would
// risk duplicate deliveries.
func Shutdown() {
	stop()
	log.Println("Shutting down outgoing mail due to software problem")
}

// Stop halts the manager for process exit.
func Stop() {
	stop()
	log.Println("Spool manager stopped")
}

func stop() {
	smMu.Lock()
	defer smMu.Unlock()
	if sm != nil {
		sm.disarm()
		close(sm.stop)
		sm = nil
	}
	shutdownNow = true
}

// DeliverNewMessage schedules an immediate queue run; called when the
// deliveries_updated channel fires.
func (m *SpoolManager) DeliverNewMessage() {
	log.Println("New message added to spool; will deliver when possible")
	m.poke()
}

func (m *SpoolManager) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *SpoolManager) run() {
	for {
		select {
		case <-m.stop:
			return
		case <-m.wake:
			m.sweep()
		}
	}
}

// sweep is one queue run: harvest finished agents, find due messages,
// spawn agents for them, and arm a timer for the rest.
func (m *SpoolManager) sweep() {
	m.disarm()

	// Harvest agents; messages still being worked on are excluded
	// from this run.
	m.mu.Lock()
	var working []*DeliveryAgent
	var have []int64
	for _, a := range m.agents {
		if a.Working() {
			working = append(working, a)
			have = append(have, a.MessageID())
		} else if a.Delivered() {
			m.deleteSpooled(a)
		}
	}
	m.agents = working
	m.mu.Unlock()

	log.Println("Starting queue run")

	q := `select d.message,
	             extract(epoch from
	                min(coalesce(dr.last_attempt + interval '900 s',
	                             d.deliver_after,
	                             current_timestamp)))::bigint
	             - extract(epoch from current_timestamp)::bigint as delay
	        from deliveries d
	        join delivery_recipients dr on (d.id = dr.delivery)
	       where (dr.action = $1 or dr.action = $2)`
	args := []interface{}{int(models.ActionUnknown), int(models.ActionDelayed)}
	if len(have) > 0 {
		q += " and not d.message = any($3)"
		args = append(args, pq.Array(have))
	}
	q += " group by d.message order by delay"

	rows, err := m.store.DB().Query(q, args...)
	if err != nil {
		log.Printf("Queue scan failed: %v", err)
		m.arm(time.Duration(spoolInterval) * time.Second)
		return
	}
	defer rows.Close()

	minDelay := int64(-1)
	spawned := 0
	for rows.Next() {
		var message, delay int64
		if err := rows.Scan(&message, &delay); err != nil {
			log.Printf("Queue scan failed: %v", err)
			break
		}
		if delay <= 0 {
			a := NewDeliveryAgent(m.store, m.cfg, m.blob, message)
			m.mu.Lock()
			stagger := time.Duration(len(m.agents)*5) * time.Second
			m.agents = append(m.agents, a)
			m.mu.Unlock()
			time.AfterFunc(stagger, func() {
				a.Run(context.Background())
				m.poke()
			})
			spawned++
		} else if minDelay < 0 || delay < minDelay {
			minDelay = delay
		}
	}
	if len(working) > 0 && minDelay < 0 {
		minDelay = spoolInterval
	}

	if minDelay >= 0 {
		log.Printf("Will process the queue again in %d seconds", minDelay)
		m.arm(time.Duration(minDelay) * time.Second)
	}
	if spawned == 0 && minDelay < 0 {
		log.Println("Ending queue run")
	}
}

// deleteSpooled removes the local spool copy of a message whose every
// delivery is complete.
func (m *SpoolManager) deleteSpooled(a *DeliveryAgent) {
	_, err := m.store.DB().Exec(
		`insert into deleted_messages (mailbox, uid, message, modseq)
		 select mailbox, uid, message, 0 from mailbox_messages
		  where message = $1
		    and mailbox = (select id from mailboxes where name = $2)`,
		a.MessageID(), spoolMailbox)
	if err == nil {
		_, err = m.store.DB().Exec(
			`delete from mailbox_messages
			  where message = $1
			    and mailbox = (select id from mailboxes where name = $2)`,
			a.MessageID(), spoolMailbox)
	}
	if err != nil {
		log.Printf("Failed to delete spooled copy of message %d: %v", a.MessageID(), err)
	}
}

func (m *SpoolManager) arm(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(d, m.poke)
}

func (m *SpoolManager) disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
