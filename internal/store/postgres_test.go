package store

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/qrelscope/qrelscope/internal/db"
	"github.com/qrelscope/qrelscope/internal/fulltext"
	"github.com/qrelscope/qrelscope/internal/pkg/logger"
)

const postgresDSNEnv = "QRELSCOPE_TEST_POSTGRES_DSN"

// withSearchPath points every connection of dsn at schema.
func withSearchPath(dsn, schema string) string {
	if u, err := url.Parse(dsn); err == nil && (u.Scheme == "postgres" || u.Scheme == "postgresql") {
		q := u.Query()
		q.Set("search_path", schema)
		u.RawQuery = q.Encode()
		return u.String()
	}
	return dsn + " search_path=" + schema
}

// newPostgresService returns a factory that migrates a fresh schema per test
// and drops it afterwards.
func newPostgresService(dsn string) func(t *testing.T) *Service {
	return func(t *testing.T) *Service {
		t.Helper()
		ctx := context.Background()

		admin, err := sql.Open("pgx", dsn)
		if err != nil {
			t.Fatalf("sql.Open() error = %v", err)
		}
		schema := "qrelscope_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
			admin.Close()
			t.Fatalf("creating schema: %v", err)
		}
		t.Cleanup(func() {
			if _, err := admin.ExecContext(context.Background(), "DROP SCHEMA "+schema+" CASCADE"); err != nil {
				t.Errorf("dropping schema %s: %v", schema, err)
			}
			admin.Close()
		})

		cfg := db.Config{Driver: db.DriverPostgres, DSN: withSearchPath(dsn, schema)}
		if err := db.Migrate(ctx, cfg); err != nil {
			t.Fatalf("Migrate() error = %v", err)
		}
		database, err := db.Open(ctx, cfg)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		t.Cleanup(func() { database.Close() })

		svcCfg := DefaultServiceConfig()
		svcCfg.BatchSize = 3
		return NewService(database, fulltext.TSVector{}, svcCfg, logger.Discard())
	}
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", postgresDSNEnv)
	}

	prev := newTestService
	newTestService = newPostgresService(dsn)
	defer func() { newTestService = prev }()

	tests := []struct {
		name string
		run  func(t *testing.T)
	}{
		{"corpora", TestGetCorpora},
		{"datasets", TestGetDatasets},
		{"documents", TestGetDocuments},
		{"document fields", TestGetDocumentsFields},
		{"queries", TestGetQueries},
		{"query", TestGetQuery},
		{"document", TestGetDocument},
		{"qrels", TestGetQRels},
		{"listing validation", TestListingValidation},
		{"pagination", TestPaginationCoversTotal},
		{"zero count inclusion", TestZeroCountInclusion},
		{"judgments", TestGetJudgments},
		{"dataset removal", TestRemoveDatasetCascades},
		{"corpus removal", TestRemoveCorpusCascades},
		{"match escaping", TestMatchEscaping},
		{"search escaping", TestSearchEscaping},
		{"conflicts", TestMutationConflicts},
		{"atomic batch", TestAtomicBatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, tt.run)
	}
}

func TestWithSearchPath(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://u:p@localhost:5432/qrels", "postgres://u:p@localhost:5432/qrels?search_path=s1"},
		{"postgresql://localhost/qrels?sslmode=disable", "postgresql://localhost/qrels?search_path=s1&sslmode=disable"},
		{"host=localhost dbname=qrels", "host=localhost dbname=qrels search_path=s1"},
	}
	for _, tt := range tests {
		if got := withSearchPath(tt.dsn, "s1"); got != tt.want {
			t.Errorf("withSearchPath(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}
