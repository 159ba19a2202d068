package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/qrelscope/qrelscope/internal/config"
	"github.com/qrelscope/qrelscope/internal/db"
)

func TestOpen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(dir, "qrelscope.db")
	cfg.Search.DefaultLimit = 7

	svc, err := Open(context.Background(), cfg, true, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer svc.DB().Close()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("database directory not created: %v", err)
	}
	if svc.Dialect().Name() != "fts5" {
		t.Errorf("Dialect() = %q", svc.Dialect().Name())
	}
	must(t, svc.CreateCorpus(context.Background(), "c1", "english"))
	corpora, err := svc.GetCorpora(context.Background())
	if err != nil || len(corpora) != 1 || corpora[0].Language != "English" {
		t.Errorf("GetCorpora() = %+v, %v", corpora, err)
	}
}

func TestOpenUnknownFullText(t *testing.T) {
	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "x.db")
	cfg.Database.FullText = "lucene"
	if _, err := Open(context.Background(), cfg, false, nil); err == nil {
		t.Error("Open() accepted an unknown fulltext engine")
	}
}

func TestSQLiteDir(t *testing.T) {
	tests := []struct {
		cfg  db.Config
		want string
	}{
		{db.Config{Driver: db.DriverSQLite, DSN: "./data/q.db"}, "data"},
		{db.Config{Driver: db.DriverSQLite, DSN: "file:/var/lib/q/q.db?mode=rwc"}, "/var/lib/q"},
		{db.Config{Driver: db.DriverSQLite, DSN: "q.db"}, ""},
		{db.Config{Driver: db.DriverSQLite, DSN: ":memory:"}, ""},
		{db.Config{Driver: db.DriverPostgres, DSN: "postgres://localhost/q"}, ""},
	}
	for _, tt := range tests {
		if got := sqliteDir(tt.cfg); got != tt.want {
			t.Errorf("sqliteDir(%q) = %q, want %q", tt.cfg.DSN, got, tt.want)
		}
	}
}
