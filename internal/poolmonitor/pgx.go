package poolmonitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxSource reports pgxpool statistics to a Monitor and instruments
// connection acquisition.
type PgxSource struct {
	pool    *pgxpool.Pool
	monitor *Monitor
	waiting atomic.Int64
}

func NewPgxSource(pool *pgxpool.Pool, monitor *Monitor) *PgxSource {
	return &PgxSource{pool: pool, monitor: monitor}
}

// Open connects to dsn with lifecycle hooks feeding monitor, then attaches
// the resulting pool.
func Open(ctx context.Context, dsn string, monitor *Monitor) (*PgxSource, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	Instrument(cfg, monitor)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	src := NewPgxSource(pool, monitor)
	monitor.Attach(src, int(cfg.MaxConns))
	return src, nil
}

// Instrument chains connect and close hooks on cfg so the monitor sees
// connection churn.
func Instrument(cfg *pgxpool.Config, monitor *Monitor) {
	afterConnect := cfg.AfterConnect
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if afterConnect != nil {
			if err := afterConnect(ctx, conn); err != nil {
				monitor.RecordError(err)
				return err
			}
		}
		monitor.RecordConnect()
		return nil
	}

	beforeClose := cfg.BeforeClose
	cfg.BeforeClose = func(conn *pgx.Conn) {
		if beforeClose != nil {
			beforeClose(conn)
		}
		monitor.RecordRemove()
	}
}

func (s *PgxSource) PoolStats() SourceStats {
	st := s.pool.Stat()
	return SourceStats{
		Total:   int(st.TotalConns()),
		Idle:    int(st.IdleConns()),
		Waiting: int(s.waiting.Load()),
		Max:     int(st.MaxConns()),
	}
}

// Acquire takes a connection from the pool, recording wait time or the error.
func (s *PgxSource) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	start := time.Now()

	s.waiting.Add(1)
	conn, err := s.pool.Acquire(ctx)
	s.waiting.Add(-1)

	if err != nil {
		s.monitor.RecordError(err)
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	s.monitor.RecordAcquire(time.Since(start))
	return conn, nil
}

func (s *PgxSource) Release(conn *pgxpool.Conn) {
	conn.Release()
	s.monitor.RecordRelease()
}

// Ping acquires a connection and pings the server.
func (s *PgxSource) Ping(ctx context.Context) error {
	conn, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.Release(conn)

	if err := conn.Ping(ctx); err != nil {
		s.monitor.RecordError(err)
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

func (s *PgxSource) Close() {
	s.pool.Close()
}
