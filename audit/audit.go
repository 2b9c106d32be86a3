// Package audit implements the optional lifecycle-event sink described
// in SPEC_FULL.md's domain-stack expansion: every node create/destroy
// and handle acquire/release can be recorded to a connect-string
// selected backend. Grounded on the teacher's util.OpenKVStore /
// store.DbPool connect-string convention ("sqlite3+path",
// "mysql+dsn", "redis+addr+passwd+db"), generalized from a generic
// key/value store to an append-only event log.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/go-redis/redis/v8"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/bfix/gospel/logger"
)

// Event is one recorded lifecycle transition.
type Event struct {
	Time   time.Time
	Kind   string // "node.create", "node.destroy", "handle.acquire", "handle.release", ...
	PeerID uint64
	NodeID uint64
	Detail string
}

// Sink persists Events. Record must not block the caller for long;
// implementations that talk to a network service should apply their
// own timeout.
type Sink interface {
	Record(e Event) error
	Close() error
}

// noop is used when no DSN is configured (spec.md ambient "auditing is
// off by default").
type noop struct{}

func (noop) Record(Event) error { return nil }
func (noop) Close() error       { return nil }

// Open constructs a Sink from a connect string of the same "+"-joined
// shape as the teacher's database/key-value-store specs:
//
//	""                                  -> disabled (no-op sink)
//	"sqlite3+/path/to/audit.db"         -> SQL sink over go-sqlite3
//	"mysql+user:pass@tcp(host)/db"      -> SQL sink over go-sql-driver/mysql
//	"redis+addr+passwd+db"              -> pub/sub sink over go-redis, channel "bus1.audit"
func Open(dsn string) (Sink, error) {
	if dsn == "" {
		return noop{}, nil
	}
	parts := strings.SplitN(dsn, "+", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("audit: invalid DSN %q", dsn)
	}
	switch parts[0] {
	case "sqlite3":
		return openSQL("sqlite3", parts[1])
	case "mysql":
		return openSQL("mysql", parts[1])
	case "redis":
		return openRedis(parts[1])
	default:
		return nil, fmt.Errorf("audit: unknown backend %q", parts[0])
	}
}

type sqlSink struct {
	db *sql.DB
}

const createTableSQL = `CREATE TABLE IF NOT EXISTS bus1_audit (
	ts INTEGER NOT NULL,
	kind TEXT NOT NULL,
	peer_id INTEGER NOT NULL,
	node_id INTEGER NOT NULL,
	detail TEXT
)`

func openSQL(driver, conn string) (Sink, error) {
	db, err := sql.Open(driver, conn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, err
	}
	logger.Printf(logger.INFO, "[audit] sql sink ready (%s)", driver)
	return &sqlSink{db: db}, nil
}

func (s *sqlSink) Record(e Event) error {
	_, err := s.db.Exec(
		"INSERT INTO bus1_audit (ts, kind, peer_id, node_id, detail) VALUES (?, ?, ?, ?, ?)",
		e.Time.Unix(), e.Kind, e.PeerID, e.NodeID, e.Detail,
	)
	return err
}

func (s *sqlSink) Close() error { return s.db.Close() }

type redisSink struct {
	client  *redis.Client
	channel string
}

// redisAuditChannel is the pub/sub channel Events are published on.
const redisAuditChannel = "bus1.audit"

func openRedis(spec string) (Sink, error) {
	// spec: "addr+passwd+db", mirroring the teacher's KvsRedis layout.
	parts := strings.SplitN(spec, "+", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("audit: redis spec must be addr+passwd+db, got %q", spec)
	}
	dbIndex, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, fmt.Errorf("audit: redis db index: %w", err)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     parts[0],
		Password: parts[1],
		DB:       dbIndex,
	})
	logger.Printf(logger.INFO, "[audit] redis sink ready (%s)", parts[0])
	return &redisSink{client: client, channel: redisAuditChannel}, nil
}

func (s *redisSink) Record(e Event) error {
	msg := fmt.Sprintf("%d|%s|%d|%d|%s", e.Time.Unix(), e.Kind, e.PeerID, e.NodeID, e.Detail)
	return s.client.Publish(context.Background(), s.channel, msg).Err()
}

func (s *redisSink) Close() error { return s.client.Close() }
