// Package postgres implements the runnerguard stores on PostgreSQL:
// runners, policies, security events, audit entries and reconciliation
// history. The schema is migrated on Open.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/terrpan/runnerguard/internal/audit"
	"github.com/terrpan/runnerguard/internal/policy"
	"github.com/terrpan/runnerguard/internal/reconcile"
	"github.com/terrpan/runnerguard/internal/runner"
)

// max conns avail in a pgx pool
const defaultMaxConnections = 10

const uniqueViolation = "23505"

// Store provides access to the postgres database.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var (
	_ runner.Store           = (*Store)(nil)
	_ policy.Store           = (*Store)(nil)
	_ policy.Writer          = (*Store)(nil)
	_ audit.Sink             = (*Store)(nil)
	_ reconcile.HistoryStore = (*Store)(nil)
)

// Open migrates the database to the latest migration version, and then
// constructs a connection pool.
func Open(ctx context.Context, logger *slog.Logger, connString string) (*Store, error) {
	if err := migrate(ctx, logger, connString); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	connString, err := setDefaultMaxConnections(connString, defaultMaxConnections)
	if err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// Scan timestamps as UTC so that values round-trip unchanged.
		conn.TypeMap().RegisterType(&pgtype.Type{
			Name:  "timestamptz",
			OID:   pgtype.TimestamptzOID,
			Codec: &pgtype.TimestamptzCodec{ScanLocation: time.UTC},
		})
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	logger.Info("connected to database")
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes every connection in the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// toError maps postgres errors onto runnerguard sentinels.
func toError(err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return runner.ErrNotFound
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
		return runner.ErrNameTaken
	default:
		return err
	}
}

func setDefaultMaxConnections(connString string, max int) (string, error) {
	// pg connection string can be either a URL or a DSN
	if strings.HasPrefix(connString, "postgres://") || strings.HasPrefix(connString, "postgresql://") {
		u, err := url.Parse(connString)
		if err != nil {
			return "", fmt.Errorf("parsing connection string url: %w", err)
		}
		q := u.Query()
		if q.Has("pool_max_conns") {
			return connString, nil
		}
		q.Add("pool_max_conns", strconv.Itoa(max))
		u.RawQuery = q.Encode()
		return url.PathUnescape(u.String())
	} else if strings.Contains(connString, "pool_max_conns=") {
		return connString, nil
	} else if connString == "" {
		// presume empty DSN
		return fmt.Sprintf("pool_max_conns=%d", max), nil
	}
	// presume non-empty DSN
	return fmt.Sprintf("%s pool_max_conns=%d", connString, max), nil
}
