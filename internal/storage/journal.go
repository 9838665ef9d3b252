package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/bus-ridership-hub/internal/models"
	"github.com/example/bus-ridership-hub/internal/observability"
)

// Ride journal kinds.
const (
	KindCreated   = "created"
	KindStatus    = "status"
	KindNearby    = "bus_nearby"
	KindArrived   = "bus_arrived"
	KindConfirmed = "request_confirmed"
	KindNoShow    = "no_show"
	KindDeleted   = "deleted"
	KindExpired   = "expired"
)

// RideEvent is one append-only audit row.
type RideEvent struct {
	RequestID string
	RiderID   string
	Kind      string
	Detail    string
	At        time.Time
}

func EventFor(r models.RideRequest, kind, detail string) RideEvent {
	return RideEvent{RequestID: r.ID, RiderID: r.RiderID, Kind: kind, Detail: detail, At: time.Now()}
}

// Journal records ride lifecycle events. Record must not block.
type Journal interface {
	Record(ev RideEvent)
}

// NopJournal discards everything.
type NopJournal struct{}

func (NopJournal) Record(RideEvent) {}

// PostgresJournal queues events and writes them from a single background
// goroutine started by Run. The hub never reads the table back.
type PostgresJournal struct {
	db     *sql.DB
	queue  chan RideEvent
	logger *slog.Logger
}

func OpenPostgresJournal(dsn string, logger *slog.Logger) (*PostgresJournal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal db: %w", err)
	}
	return NewPostgresJournal(db, 1024, logger), nil
}

func NewPostgresJournal(db *sql.DB, queueSize int, logger *slog.Logger) *PostgresJournal {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresJournal{db: db, queue: make(chan RideEvent, queueSize), logger: logger}
}

func (p *PostgresJournal) Record(ev RideEvent) {
	select {
	case p.queue <- ev:
	default:
		observability.JournalDropped.Inc()
	}
}

// Run drains the queue until ctx is done, then flushes what is left.
func (p *PostgresJournal) Run(ctx context.Context) {
	for {
		select {
		case ev := <-p.queue:
			p.write(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-p.queue:
					p.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *PostgresJournal) write(ev RideEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Insert(ctx, ev); err != nil {
		observability.JournalDropped.Inc()
		p.logger.Warn("journal write failed", "request_id", ev.RequestID, "kind", ev.Kind, "error", err)
	}
}

func (p *PostgresJournal) Insert(ctx context.Context, ev RideEvent) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_events(request_id, rider_id, kind, detail, at) VALUES($1,$2,$3,$4,$5)`,
		ev.RequestID, ev.RiderID, ev.Kind, ev.Detail, ev.At)
	return err
}

func (p *PostgresJournal) Close() error { return p.db.Close() }

// Migrate applies the schema found in sqlText.
func Migrate(ctx context.Context, db *sql.DB, sqlText string) error {
	if _, err := db.ExecContext(ctx, sqlText); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (p *PostgresJournal) DB() *sql.DB { return p.db }
