package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

// PostgresChannel is the LISTEN/NOTIFY channel carrying change events.
const PostgresChannel = "realtime_changes"

const (
	pgMinReconnect  = 10 * time.Second
	pgMaxReconnect  = time.Minute
	pgPingInterval  = 90 * time.Second
	pgMaxPayloadLen = 8000
)

// PostgresFeed uses the database itself as the broker: events are sent with
// pg_notify and every instance LISTENs on a dedicated connection.
type PostgresFeed struct {
	db       *gorm.DB
	listener *pq.Listener
	broker   *Broker
	log      *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewPostgresFeed opens a listener connection on dsn and starts the relay.
func NewPostgresFeed(db *gorm.DB, dsn string, log *slog.Logger) (*PostgresFeed, error) {
	listener := pq.NewListener(dsn, pgMinReconnect, pgMaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn("Postgres listener event", "event", ev, "error", err)
		}
	})
	if err := listener.Listen(PostgresChannel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("feed: listen %s: %w", PostgresChannel, err)
	}

	f := &PostgresFeed{
		db:       db,
		listener: listener,
		broker:   NewBroker(defaultBufferSize),
		log:      log,
		stop:     make(chan struct{}),
	}
	f.wg.Add(1)
	go f.relay()
	return f, nil
}

func (f *PostgresFeed) relay() {
	defer f.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-f.stop
		cancel()
	}()

	ticker := time.NewTicker(pgPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case n := <-f.listener.Notify:
			// nil after a reconnect; events sent while disconnected are lost
			if n == nil {
				f.log.Warn("Postgres listener reconnected")
				continue
			}
			var ev ChangeEvent
			if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
				f.log.Warn("Error unmarshalling Postgres change event", "error", err)
				continue
			}
			f.broker.Dispatch(ctx, ev)
		case <-ticker.C:
			go func() {
				if err := f.listener.Ping(); err != nil {
					f.log.Warn("Postgres listener ping failed", "error", err)
				}
			}()
		}
	}
}

// Publish sends ev through pg_notify.
func (f *PostgresFeed) Publish(ctx context.Context, ev ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("feed: marshal event: %w", err)
	}
	if len(payload) > pgMaxPayloadLen {
		return fmt.Errorf("feed: event for %s too large for NOTIFY (%d bytes)", ev.Table, len(payload))
	}
	if err := f.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", PostgresChannel, string(payload)).Error; err != nil {
		return fmt.Errorf("feed: pg_notify: %w", err)
	}
	return nil
}

func (f *PostgresFeed) Subscribe(filter Filter) *Subscription {
	return f.broker.Subscribe(filter)
}

// Close stops the relay and closes the listener connection.
func (f *PostgresFeed) Close() error {
	close(f.stop)
	f.wg.Wait()
	err := f.listener.Close()
	_ = f.broker.Close()
	return err
}
