package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redigo "github.com/gomodule/redigo/redis"

	"github.com/ensembl/lakehouse/internal/apperr"
	cacheredis "github.com/ensembl/lakehouse/internal/cache/redis"
	"github.com/ensembl/lakehouse/internal/query"
	"github.com/ensembl/lakehouse/internal/query/fingerprint"
	"github.com/ensembl/lakehouse/internal/storage/memory"
)

const testQueryID = "7c9e6679-7425-40de-944b-e07fc1f90ae7"

type fakeEngine struct {
	mu        sync.Mutex
	submitted []string
	submits   atomic.Int64
	gate      chan struct{}
	submitErr error
	nextID    string
	statuses  map[string]query.Status
	pages     map[string][]query.Row
	pageErr   error
	tables    []query.TableMetadata
	listCalls atomic.Int64
	species   map[string][]string
}

func (f *fakeEngine) SubmitQuery(_ context.Context, sqlText string) (string, error) {
	f.submits.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, sqlText)
	id := testQueryID
	if f.nextID != "" {
		id = f.nextID
		f.statuses[id] = query.Status{State: query.StateQueued}
	}
	return id, nil
}

// restart drops every id the engine knows, as a local engine does when its
// process restarts, and makes later submissions return nextID.
func (f *fakeEngine) restart(nextID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = map[string]query.Status{}
	f.nextID = nextID
}

func (f *fakeEngine) GetStatus(_ context.Context, queryID string) (query.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[queryID]
	if !ok {
		return query.Status{}, query.ErrNotFound
	}
	return status, nil
}

func (f *fakeEngine) GetResultPage(_ context.Context, queryID string, maxRows int) ([]query.Row, error) {
	if f.pageErr != nil {
		return nil, f.pageErr
	}
	rows, ok := f.pages[queryID]
	if !ok {
		return nil, query.ErrNotFound
	}
	if len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	return rows, nil
}

func (f *fakeEngine) ListTables(context.Context) ([]query.TableMetadata, error) {
	f.listCalls.Add(1)
	return f.tables, nil
}

func (f *fakeEngine) GetTable(_ context.Context, name string) (query.TableMetadata, error) {
	for _, table := range f.tables {
		if table.Name == name {
			return table, nil
		}
	}
	return query.TableMetadata{}, query.ErrNotFound
}

func (f *fakeEngine) DistinctValues(_ context.Context, table, column string) ([]string, error) {
	values, ok := f.species[table]
	if !ok || column != "species" {
		return nil, query.ErrNotFound
	}
	return values, nil
}

func newTestService(t *testing.T, engine *fakeEngine) (*Service, *miniredis.Miniredis) {
	t.Helper()
	return newTestServiceWithConfig(t, engine, Config{})
}

func newTestServiceWithConfig(t *testing.T, engine *fakeEngine, cfg Config) (*Service, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(s.Close)
	pool := &redigo.Pool{
		Dial: func() (redigo.Conn, error) {
			return redigo.Dial("tcp", s.Addr())
		},
	}
	t.Cleanup(func() { _ = pool.Close() })
	c, err := cacheredis.New(pool)
	if err != nil {
		t.Fatalf("cacheredis.New() error = %v", err)
	}
	return New(engine, c, memory.New(""), cfg, nil), s
}

func geneEngine() *fakeEngine {
	return &fakeEngine{
		statuses: map[string]query.Status{testQueryID: {State: query.StateSucceeded}},
		tables: []query.TableMetadata{{
			Name:          "gene",
			Columns:       []query.Column{{Name: "gene_id", Type: "string"}, {Name: "biotype", Type: "string"}},
			PartitionKeys: []query.Column{{Name: "species", Type: "string"}},
		}},
		species: map[string][]string{"gene": {"homo_sapiens", "mus_musculus"}},
	}
}

func TestSubmitQueryReusesIDRegardlessOfFieldOrder(t *testing.T) {
	engine := geneEngine()
	svc, s := newTestService(t, engine)
	ctx := context.Background()

	first, err := svc.SubmitQuery(ctx, "gene", "homo_sapiens", "gene_id,biotype", "biotype = 'lncRNA'")
	if err != nil {
		t.Fatalf("SubmitQuery() error = %v", err)
	}
	if first.QueryID != testQueryID || first.Deduplicated {
		t.Fatalf("first = %#v", first)
	}
	second, err := svc.SubmitQuery(ctx, " gene ", "homo_sapiens", "biotype, gene_id", "biotype = 'lncRNA'")
	if err != nil {
		t.Fatalf("SubmitQuery() error = %v", err)
	}
	if second.QueryID != first.QueryID || !second.Deduplicated {
		t.Fatalf("second = %#v", second)
	}
	if engine.submits.Load() != 1 {
		t.Fatalf("upstream submits = %d, want 1", engine.submits.Load())
	}
	key := fingerprint.Key("gene", "homo_sapiens", "gene_id,biotype", "biotype = 'lncRNA'")
	if ttl := s.TTL(key); ttl != 720*time.Hour {
		t.Fatalf("mapping TTL = %s", ttl)
	}
	if got := engine.submitted[0]; got != "SELECT gene_id, biotype FROM gene WHERE species = 'homo_sapiens' AND (biotype = 'lncRNA')" {
		t.Fatalf("sql = %q", got)
	}
}

func TestSubmitQuerySharesOneUpstreamCall(t *testing.T) {
	engine := geneEngine()
	engine.gate = make(chan struct{})
	svc, _ := newTestService(t, engine)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	ids := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := svc.SubmitQuery(ctx, "gene", "homo_sapiens", "", "")
			if err != nil {
				t.Errorf("SubmitQuery() error = %v", err)
				return
			}
			ids <- sub.QueryID
		}()
	}
	// Let the first caller reach the engine before releasing it.
	for engine.submits.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(engine.gate)
	wg.Wait()
	close(ids)

	for id := range ids {
		if id != testQueryID {
			t.Fatalf("id = %q", id)
		}
	}
	if engine.submits.Load() != 1 {
		t.Fatalf("upstream submits = %d, want 1", engine.submits.Load())
	}
}

func TestSubmitQueryResubmitsWhenEngineForgetsID(t *testing.T) {
	engine := geneEngine()
	svc, s := newTestService(t, engine)
	ctx := context.Background()

	first, err := svc.SubmitQuery(ctx, "gene", "homo_sapiens", "gene_id", "")
	if err != nil || first.QueryID != testQueryID {
		t.Fatalf("first = %#v, %v", first, err)
	}
	const restartedID = "0b4e7c1a-9a53-4e0c-8d7e-2f1c3b5a6d90"
	engine.restart(restartedID)

	second, err := svc.SubmitQuery(ctx, "gene", "homo_sapiens", "gene_id", "")
	if err != nil {
		t.Fatalf("SubmitQuery() error = %v", err)
	}
	if second.QueryID != restartedID || second.Deduplicated {
		t.Fatalf("second = %#v", second)
	}
	if engine.submits.Load() != 2 {
		t.Fatalf("upstream submits = %d, want 2", engine.submits.Load())
	}
	key := fingerprint.Key("gene", "homo_sapiens", "gene_id", "")
	if got, _ := s.Get(key); got != restartedID {
		t.Fatalf("mapping = %q, want %q", got, restartedID)
	}
}

func TestSubmitQueryWaitsForSubmissionOnAnotherReplica(t *testing.T) {
	engine := geneEngine()
	svc, s := newTestServiceWithConfig(t, engine, Config{SubmitLockTTL: 5 * time.Second, SubmitPollInterval: 5 * time.Millisecond})
	key := fingerprint.Key("gene", "homo_sapiens", "gene_id", "")
	if err := s.Set(key+":submitting", "1"); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	done := make(chan Submission, 1)
	go func() {
		sub, err := svc.SubmitQuery(context.Background(), "gene", "homo_sapiens", "gene_id", "")
		if err != nil {
			t.Errorf("SubmitQuery() error = %v", err)
		}
		done <- sub
	}()
	time.Sleep(20 * time.Millisecond)
	// The other replica finishes its submission and releases the lock.
	if err := s.Set(key, testQueryID); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}
	s.Del(key + ":submitting")

	select {
	case sub := <-done:
		if sub.QueryID != testQueryID || !sub.Deduplicated {
			t.Fatalf("submission = %#v", sub)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SubmitQuery() did not return")
	}
	if engine.submits.Load() != 0 {
		t.Fatalf("upstream submits = %d, want 0", engine.submits.Load())
	}
}

func TestSubmitQuerySubmitsWhenLockHolderGivesUp(t *testing.T) {
	engine := geneEngine()
	svc, s := newTestServiceWithConfig(t, engine, Config{SubmitLockTTL: 5 * time.Second, SubmitPollInterval: 5 * time.Millisecond})
	key := fingerprint.Key("gene", "homo_sapiens", "gene_id", "")
	if err := s.Set(key+":submitting", "1"); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Del(key + ":submitting")
	}()

	sub, err := svc.SubmitQuery(context.Background(), "gene", "homo_sapiens", "gene_id", "")
	if err != nil || sub.QueryID != testQueryID || sub.Deduplicated {
		t.Fatalf("submission = %#v, %v", sub, err)
	}
	if engine.submits.Load() != 1 {
		t.Fatalf("upstream submits = %d, want 1", engine.submits.Load())
	}
	if s.Exists(key + ":submitting") {
		t.Fatal("submission lock left behind")
	}
}

func TestSubmitQueryReleasesLock(t *testing.T) {
	svc, s := newTestService(t, geneEngine())
	if _, err := svc.SubmitQuery(context.Background(), "gene", "homo_sapiens", "", ""); err != nil {
		t.Fatalf("SubmitQuery() error = %v", err)
	}
	key := fingerprint.Key("gene", "homo_sapiens", "", "")
	if s.Exists(key + ":submitting") {
		t.Fatal("submission lock left behind")
	}
	if !s.Exists(key) {
		t.Fatal("query mapping not cached")
	}
}

func TestSubmitQueryValidation(t *testing.T) {
	svc, _ := newTestService(t, geneEngine())
	ctx := context.Background()
	cases := []struct{ dataset, species, fields string }{
		{"", "homo_sapiens", ""},
		{"gene", "  ", ""},
		{"gene;drop", "homo_sapiens", ""},
		{"gene", "homo'sapiens", ""},
		{"gene", "homo_sapiens", "gene_id,1bad"},
		{"gene", "homo_sapiens", "*,gene_id"},
	}
	for _, tc := range cases {
		if _, err := svc.SubmitQuery(ctx, tc.dataset, tc.species, tc.fields, ""); apperr.KindOf(err) != apperr.KindInvalidInput {
			t.Fatalf("SubmitQuery(%q, %q, %q) error = %v, want invalid input", tc.dataset, tc.species, tc.fields, err)
		}
	}
}

func TestSubmitQueryMapsEngineErrors(t *testing.T) {
	engine := geneEngine()
	engine.submitErr = query.ErrInvalidRequest
	svc, _ := newTestService(t, engine)
	if _, err := svc.SubmitQuery(context.Background(), "gene", "homo_sapiens", "", "nope ="); apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("error = %v, want invalid input", err)
	}
	engine.submitErr = errors.New("throttled")
	if _, err := svc.SubmitQuery(context.Background(), "gene", "homo_sapiens", "", "other = 1"); apperr.KindOf(err) != apperr.KindUpstream {
		t.Fatalf("error = %v, want upstream", err)
	}
}

func TestBuildSQL(t *testing.T) {
	if got := BuildSQL("gene", "homo_sapiens", nil, ""); got != "SELECT * FROM gene WHERE species = 'homo_sapiens'" {
		t.Fatalf("BuildSQL() = %q", got)
	}
}

func TestDataTypesIsMemoized(t *testing.T) {
	engine := geneEngine()
	svc, s := newTestService(t, engine)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		tables, err := svc.DataTypes(ctx)
		if err != nil {
			t.Fatalf("DataTypes() error = %v", err)
		}
		if len(tables) != 1 || tables[0].Name != "gene" {
			t.Fatalf("tables = %#v", tables)
		}
	}
	if engine.listCalls.Load() != 1 {
		t.Fatalf("ListTables calls = %d, want 1", engine.listCalls.Load())
	}
	if !s.Exists(dataTypesKey) {
		t.Fatal("data types not cached")
	}
}

func TestFilters(t *testing.T) {
	svc, s := newTestService(t, geneEngine())
	ctx := context.Background()

	filters, err := svc.Filters(ctx, "gene")
	if err != nil {
		t.Fatalf("Filters() error = %v", err)
	}
	var names []string
	for _, column := range filters.Columns {
		names = append(names, column.Name)
	}
	if strings.Join(names, ",") != "gene_id,biotype,species" {
		t.Fatalf("columns = %v", names)
	}
	if strings.Join(filters.Species, ",") != "homo_sapiens,mus_musculus" {
		t.Fatalf("species = %v", filters.Species)
	}
	if !s.Exists("catalog:gene:columns") || !s.Exists("catalog:gene:species") {
		t.Fatal("filters not memoized")
	}

	if _, err := svc.Filters(ctx, "variant"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("Filters(variant) error = %v, want not found", err)
	}
	if _, err := svc.Filters(ctx, " "); apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("Filters(blank) error = %v, want invalid input", err)
	}
}

func TestQueryStatus(t *testing.T) {
	engine := geneEngine()
	const failedID = "11111111-2222-3333-4444-555555555555"
	engine.statuses[failedID] = query.Status{State: query.StateFailed, Reason: "SYNTAX_ERROR"}
	svc, _ := newTestService(t, engine)
	ctx := context.Background()

	status, err := svc.QueryStatus(ctx, testQueryID)
	if err != nil {
		t.Fatalf("QueryStatus() error = %v", err)
	}
	if status.Status != "SUCCEEDED" || !strings.HasPrefix(status.Result, "memory://objects/"+testQueryID+".csv?") {
		t.Fatalf("status = %#v", status)
	}
	status, err = svc.QueryStatus(ctx, failedID)
	if err != nil || status.Status != "FAILED" || status.Result != "" || status.Reason != "SYNTAX_ERROR" {
		t.Fatalf("failed status = %#v, %v", status, err)
	}
	if _, err := svc.QueryStatus(ctx, "not-a-query-id"); apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("malformed id error = %v", err)
	}
	if _, err := svc.QueryStatus(ctx, "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("unknown id error = %v", err)
	}
}

func TestPreview(t *testing.T) {
	engine := geneEngine()
	str := func(v string) *string { return &v }
	engine.pages = map[string][]query.Row{testQueryID: {
		{str("gene_id"), str("biotype")},
		{str("ENSG1"), nil},
		{str("ENSG2"), str("lncRNA")},
	}}
	svc, _ := newTestService(t, engine)
	ctx := context.Background()

	preview, err := svc.Preview(ctx, testQueryID, 2)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if strings.Join(preview.Columns, ",") != "gene_id,biotype" || len(preview.Rows) != 1 || preview.Rows[0][1] != nil {
		t.Fatalf("preview = %#v", preview)
	}
	for _, n := range []int{0, 1001} {
		if _, err := svc.Preview(ctx, testQueryID, n); apperr.KindOf(err) != apperr.KindInvalidInput {
			t.Fatalf("Preview(%d) error = %v, want invalid input", n, err)
		}
	}
	if svc.PreviewDefault() != 26 {
		t.Fatalf("PreviewDefault() = %d", svc.PreviewDefault())
	}

	engine.pageErr = query.ErrInvalidRequest
	if _, err := svc.Preview(ctx, testQueryID, 10); apperr.KindOf(err) != apperr.KindPreconditionFailed {
		t.Fatalf("running query preview error = %v, want precondition", err)
	}
}
