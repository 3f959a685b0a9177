package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	// NOTE: required to register the dialect for goqu.
	//
	// If you remove this import, goqu.Dialect("sqlite3") will
	// return a copy of the default dialect, which is not what we want.
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"

	_ "github.com/glebarez/go-sqlite"
)

var tracer = otel.Tracer("storesync/store")

// timeFormat matches SQLite's datetime() output with sub-second precision.
const timeFormat = "2006-01-02 15:04:05.999999999"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

type tableDescriptor interface {
	Name() string
	Version() string
	Schema() (string, []interface{})
}

var allTableDescriptors = []tableDescriptor{
	tenants,
	customers,
	orders,
	orderItems,
	products,
	productVariants,
	checkpoints,
	syncRuns,
}

type pragma struct {
	name  string
	value string
}

// Store is the local mirror of all tenants' commerce data plus the durable
// sync bookkeeping (checkpoints, run history). Every entity read and write
// is scoped by tenant id.
type Store struct {
	rawDB   *sql.DB
	db      *goqu.Database
	pragmas []pragma
}

type Option func(*Store)

func WithPragma(name, value string) Option {
	return func(s *Store) {
		s.pragmas = append(s.pragmas, pragma{name, value})
	}
}

// New opens (creating if needed) the storesync database at dbPath.
func New(ctx context.Context, dbPath string, opts ...Option) (*Store, error) {
	ctx, span := tracer.Start(ctx, "store.New")
	defer span.End()

	rawDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{
		rawDB: rawDB,
		db:    goqu.New("sqlite3", rawDB),
		pragmas: []pragma{
			{"journal_mode", "WAL"},
			{"foreign_keys", "on"},
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(ctx); err != nil {
		_ = rawDB.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	l := ctxzap.Extract(ctx)

	for _, p := range s.pragmas {
		_, err := s.rawDB.ExecContext(ctx, fmt.Sprintf("PRAGMA %s = %s", p.name, p.value))
		if err != nil {
			return fmt.Errorf("applying pragma %s: %w", p.name, err)
		}
	}

	for _, t := range allTableDescriptors {
		stmt, args := t.Schema()
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(stmt, args...))
		if err != nil {
			return fmt.Errorf("creating table %s: %w", t.Name(), err)
		}
	}

	l.Debug("store initialized", zap.Int("tables", len(allTableDescriptors)))
	return nil
}

func (s *Store) Close() error {
	return s.rawDB.Close()
}

// Vacuum reclaims space after checkpoint/run cleanup.
func (s *Store) Vacuum(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Store.Vacuum")
	defer span.End()

	_, err := s.rawDB.ExecContext(ctx, "VACUUM")
	return err
}
