// Package storage opens the durable PostgreSQL backend and classifies the
// errors it returns so callers can tell an outage from a bad request.
package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/escrowd/internal/retry"
)

// ErrUnavailable means the configured backend could not be reached.
var ErrUnavailable = errors.New("storage backend unavailable")

// Options tunes the connection pool and the startup dial.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	DialAttempts    int
	DialBaseDelay   time.Duration
}

// DefaultOptions mirrors the pool sizing used in production.
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		DialAttempts:    5,
		DialBaseDelay:   500 * time.Millisecond,
	}
}

// Open connects to PostgreSQL, retrying the initial ping with backoff.
func Open(ctx context.Context, dsn string, opts Options, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	err = retry.DoNotify(ctx, opts.DialAttempts, opts.DialBaseDelay, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	}, func(attempt int, err error, wait time.Duration) {
		logger.Warn("database not reachable, retrying",
			"attempt", attempt, "wait_ms", wait.Milliseconds(), "error", err)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	logger.Info("using PostgreSQL storage", "url", MaskDSN(dsn))
	return db, nil
}

// Classify wraps connectivity failures in ErrUnavailable and returns every
// other error unchanged.
func Classify(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	if isConnectivity(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func isConnectivity(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exception
			"53", // insufficient resources
			"57": // operator intervention (shutdown, crash)
			return true
		}
	}
	return false
}

// MaskDSN hides the password in a connection string for logging.
func MaskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
