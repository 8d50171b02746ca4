package duckdb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/ensembl/lakehouse/internal/query"
	"github.com/ensembl/lakehouse/internal/storage/memory"
)

type geneRow struct {
	GeneID  string `parquet:"gene_id"`
	Species string `parquet:"species"`
	Biotype string `parquet:"biotype"`
	Length  int64  `parquet:"length"`
}

func TestSubmitQueryWritesCSVResultAndPages(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	id, err := engine.SubmitQuery(ctx, "SELECT gene_id, biotype FROM gene WHERE species='homo_sapiens' ORDER BY gene_id;")
	if err != nil {
		t.Fatalf("SubmitQuery() error = %v", err)
	}
	if err := query.ValidateID(id); err != nil {
		t.Fatalf("engine returned malformed id: %v", err)
	}
	waitForState(t, engine, id, query.StateSucceeded)

	if _, err := store.Stat(ctx, id+".csv"); err != nil {
		t.Fatalf("result object missing: %v", err)
	}

	rows, err := engine.GetResultPage(ctx, id, 2)
	if err != nil {
		t.Fatalf("GetResultPage() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want header plus one row", len(rows))
	}
	if query.Text(rows[0][0]) != "gene_id" || query.Text(rows[0][1]) != "biotype" {
		t.Fatalf("header = %v/%v", query.Text(rows[0][0]), query.Text(rows[0][1]))
	}
	if query.Text(rows[1][0]) != "ENSG00000000003" {
		t.Fatalf("first row gene_id = %q", query.Text(rows[1][0]))
	}
}

func TestFailedQueryReportsReason(t *testing.T) {
	engine, _ := newTestEngine(t)
	id, err := engine.SubmitQuery(context.Background(), "SELECT missing_column FROM gene")
	if err != nil {
		t.Fatalf("SubmitQuery() error = %v", err)
	}
	status := waitForState(t, engine, id, query.StateFailed)
	if status.Reason == "" {
		t.Fatal("expected failure reason")
	}
	if _, err := engine.GetResultPage(context.Background(), id, 10); !errors.Is(err, query.ErrInvalidRequest) {
		t.Fatalf("GetResultPage() error = %v, want ErrInvalidRequest", err)
	}
}

func TestGetStatusUnknownID(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.GetStatus(context.Background(), "0b6c8e1a-3f2d-4c8e-9a51-7d2e4f6a8b90")
	if !errors.Is(err, query.ErrNotFound) {
		t.Fatalf("GetStatus() error = %v, want ErrNotFound", err)
	}
}

func TestFinishedQueriesAreForgottenAfterRetention(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.cfg.Retention = time.Hour
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	engine.clock = func() time.Time { return now }
	ctx := context.Background()

	const finished, running, later = "7c9e6679-7425-40de-944b-e07fc1f90ae7", "0b6c8e1a-3f2d-4c8e-9a51-7d2e4f6a8b90", "5d1f0c2e-8b7a-4e3d-9c6b-1a2f3e4d5c6b"
	engine.setStatus(finished, query.Status{State: query.StateSucceeded})
	engine.setStatus(running, query.Status{State: query.StateRunning})
	if _, err := engine.GetStatus(ctx, finished); err != nil {
		t.Fatalf("GetStatus() inside retention error = %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := engine.GetStatus(ctx, finished); !errors.Is(err, query.ErrNotFound) {
		t.Fatalf("GetStatus() after retention error = %v, want ErrNotFound", err)
	}
	if status, err := engine.GetStatus(ctx, running); err != nil || status.State != query.StateRunning {
		t.Fatalf("running query = %#v, %v", status, err)
	}

	engine.setStatus(later, query.Status{State: query.StateQueued})
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	if _, ok := engine.executions[finished]; ok || len(engine.executions) != 2 {
		t.Fatalf("executions after prune = %d entries", len(engine.executions))
	}
}

func TestCatalogIntrospection(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	tables, err := engine.ListTables(ctx)
	if err != nil {
		t.Fatalf("ListTables() error = %v", err)
	}
	if len(tables) != 1 || tables[0].Name != "gene" {
		t.Fatalf("tables = %#v", tables)
	}
	if got := tables[0].ColumnNames(); len(got) != 4 || got[0] != "gene_id" {
		t.Fatalf("columns = %v", got)
	}

	species, err := engine.DistinctValues(ctx, "gene", "species")
	if err != nil {
		t.Fatalf("DistinctValues() error = %v", err)
	}
	if len(species) != 2 || species[0] != "homo_sapiens" || species[1] != "mus_musculus" {
		t.Fatalf("species = %v", species)
	}

	if _, err := engine.GetTable(ctx, "variant"); !errors.Is(err, query.ErrNotFound) {
		t.Fatalf("GetTable(variant) error = %v, want ErrNotFound", err)
	}
}

func newTestEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	dataDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dataDir, "gene"), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	writeParquet(t, filepath.Join(dataDir, "gene", "part-00000.parquet"), []geneRow{
		{GeneID: "ENSG00000000005", Species: "homo_sapiens", Biotype: "protein_coding", Length: 1500},
		{GeneID: "ENSG00000000003", Species: "homo_sapiens", Biotype: "protein_coding", Length: 12000},
		{GeneID: "ENSMUSG00000000001", Species: "mus_musculus", Biotype: "lncRNA", Length: 800},
	})

	store := memory.New("")
	engine, err := NewEngine(context.Background(), Config{DataDir: dataDir, WorkDir: t.TempDir()}, store, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine, store
}

func writeParquet(t *testing.T, path string, rows []geneRow) {
	t.Helper()
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	writer := parquet.NewGenericWriter[geneRow](file)
	if _, err := writer.Write(rows); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("writer.Close() error = %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("file.Close() error = %v", err)
	}
}

func waitForState(t *testing.T, engine *Engine, id string, want query.State) query.Status {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status, err := engine.GetStatus(context.Background(), id)
		if err != nil {
			t.Fatalf("GetStatus() error = %v", err)
		}
		if status.State.Terminal() {
			if status.State != want {
				t.Fatalf("state = %s (%s), want %s", status.State, status.Reason, want)
			}
			return status
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("query %s did not reach %s", id, want)
	return query.Status{}
}
