// Package database holds the PostgreSQL connection settings reserved for an
// external persistence collaborator. filemon does not store events; it only
// checks that the configured database is reachable.
package database

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tripwire/filemon/internal/config"
)

// DefaultPingTimeout bounds a single reachability check.
const DefaultPingTimeout = 3 * time.Second

// ConnString builds a postgres:// URL from cfg. User, password, and database
// name are escaped.
func ConnString(cfg config.DatabaseConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// Result is the outcome of the most recent Ping.
type Result struct {
	Reachable bool      `json:"reachable"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Probe checks database reachability. The pool is created on first use so a
// database that is down at startup does not block filemon.
type Probe struct {
	connStr string
	// timeout bounds each Ping, including pool creation.
	timeout time.Duration

	// mu guards pool and last. It is not held across the network round trip.
	mu   sync.Mutex
	pool *pgxpool.Pool
	last Result
}

// NewProbe returns a Probe for cfg. No connection is attempted until Ping.
func NewProbe(cfg config.DatabaseConfig) *Probe {
	return &Probe{connStr: ConnString(cfg), timeout: DefaultPingTimeout}
}

// Ping opens the pool if needed and pings the server. The outcome is also
// retained for Last.
func (p *Probe) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.ping(ctx)

	p.mu.Lock()
	p.last = Result{Reachable: err == nil, CheckedAt: time.Now()}
	if err != nil {
		p.last.Error = err.Error()
	}
	p.mu.Unlock()
	return err
}

// ping creates the pool on first use and checks one connection.
func (p *Probe) ping(ctx context.Context) error {
	p.mu.Lock()
	if p.pool == nil {
		pool, err := pgxpool.New(ctx, p.connStr)
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("pgxpool.New: %w", err)
		}
		p.pool = pool
	}
	pool := p.pool
	p.mu.Unlock()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("pool.Ping: %w", err)
	}
	return nil
}

// Last returns the result of the most recent Ping. CheckedAt is zero when
// Ping has never run.
func (p *Probe) Last() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Close releases the pool. It is safe to call more than once.
func (p *Probe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
}
