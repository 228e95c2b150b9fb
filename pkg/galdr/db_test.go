package galdr

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rthomasv3/galdrdb/pkg/index"
	"github.com/rthomasv3/galdrdb/pkg/query"
)

type user struct {
	Name  string `json:"Name"`
	Email string `json:"Email,omitempty"`
	Age   int    `json:"Age"`
}

type order struct {
	Status      string `json:"Status"`
	CreatedDate string `json:"CreatedDate"`
}

type counterDoc struct {
	Counter int `json:"Counter"`
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.PageSize = 4096
	opts.MaxPages = 1 << 16
	opts.AutoCheckpoint = -1 // tests checkpoint explicitly
	return opts
}

func createTestDB(t *testing.T, opts Options) (*Database, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Create(path, opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestCreateInsertGet(t *testing.T) {
	ctx := context.Background()
	db, _ := createTestDB(t, testOptions())

	if err := db.CreateCollection(ctx, "users"); err != nil {
		t.Fatalf("create collection: %v", err)
	}

	id, err := db.Collection("users").Insert(ctx, user{Name: "Ada", Age: 36})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id != 1 {
		t.Errorf("first id %d, want 1", id)
	}

	var got user
	found, err := db.Collection("users").Get(ctx, 1, &got)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.Age != 36 || got.Name != "Ada" {
		t.Errorf("got %+v", got)
	}

	if found, _ := db.Collection("users").Get(ctx, 99, &got); found {
		t.Error("found a document that was never inserted")
	}
	if _, err := db.Collection("ghost").Insert(ctx, got); !errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("unknown collection: %v", err)
	}
}

func TestUniqueIndexRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	db, _ := createTestDB(t, testOptions())

	err := db.CreateCollection(ctx, "users", IndexSchema{
		Name:   "users_email",
		Unique: true,
		Fields: []IndexFieldSchema{{Name: "Email", Type: index.KindString}},
	})
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}

	users := db.Collection("users")
	if _, err := users.Insert(ctx, user{Name: "A", Email: "x@y"}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := users.Insert(ctx, user{Name: "B", Email: "x@y"}); !errors.Is(err, ErrUniqueConstraint) {
		t.Fatalf("duplicate email: got %v, want ErrUniqueConstraint", err)
	}

	count, err := users.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("count %d after rejected insert, want 1", count)
	}

	// Multiple documents with a missing (null) email are fine.
	if _, err := users.Insert(ctx, user{Name: "C"}); err != nil {
		t.Fatalf("first null email: %v", err)
	}
	if _, err := users.Insert(ctx, user{Name: "D"}); err != nil {
		t.Errorf("second null email rejected: %v", err)
	}
}

func TestCompoundIndexRangeQuery(t *testing.T) {
	ctx := context.Background()
	db, _ := createTestDB(t, testOptions())

	err := db.CreateCollection(ctx, "orders", IndexSchema{
		Name: "orders_status_created",
		Fields: []IndexFieldSchema{
			{Name: "Status", Type: index.KindString},
			{Name: "CreatedDate", Type: index.KindTime},
		},
	})
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}

	orders := db.Collection("orders")
	for day := 1; day <= 10; day++ {
		status := "open"
		if day%2 == 0 {
			status = "closed"
		}
		_, err := orders.Insert(ctx, order{
			Status:      status,
			CreatedDate: fmt.Sprintf("2024-01-%02dT00:00:00Z", day),
		})
		if err != nil {
			t.Fatalf("insert day %d: %v", day, err)
		}
	}

	docs, err := orders.Query().
		Where("Status", query.Eq, "open").
		Where("CreatedDate", query.Between, "2024-01-03T00:00:00Z", "2024-01-07T00:00:00Z").
		OrderBy("CreatedDate", false).
		ToList(ctx)
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	// Open orders land on odd days: 3, 5, 7 are inside the range.
	if len(docs) != 3 {
		t.Fatalf("got %d orders, want 3", len(docs))
	}
	var prev string
	for _, d := range docs {
		var o order
		if err := d.DecodeInto(&o); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if o.Status != "open" {
			t.Errorf("closed order %d leaked into results", d.ID)
		}
		if prev != "" && o.CreatedDate < prev {
			t.Errorf("results out of order: %s after %s", o.CreatedDate, prev)
		}
		prev = o.CreatedDate
	}
}

func TestConcurrentCommitConflictAndRetry(t *testing.T) {
	ctx := context.Background()
	db, _ := createTestDB(t, testOptions())

	if err := db.CreateCollection(ctx, "counters"); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	counters := db.Collection("counters")

	// Seed ids 1..7 so the contended doc is id 7.
	for i := 1; i <= 7; i++ {
		if _, err := counters.Insert(ctx, counterDoc{Counter: 20}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	t1, err := db.BeginTransaction()
	if err != nil {
		t.Fatalf("begin t1: %v", err)
	}
	t2, err := db.BeginTransaction()
	if err != nil {
		t.Fatalf("begin t2: %v", err)
	}

	var c1, c2 counterDoc
	if _, err := t1.Collection("counters").Get(ctx, 7, &c1); err != nil {
		t.Fatalf("t1 get: %v", err)
	}
	if _, err := t2.Collection("counters").Get(ctx, 7, &c2); err != nil {
		t.Fatalf("t2 get: %v", err)
	}
	if c1.Counter != 20 || c2.Counter != 20 {
		t.Fatalf("both transactions should read 20: %d, %d", c1.Counter, c2.Counter)
	}

	if _, err := t1.Collection("counters").Update(ctx, 7, counterDoc{Counter: c1.Counter + 1}); err != nil {
		t.Fatalf("t1 update: %v", err)
	}
	if _, err := t2.Collection("counters").Update(ctx, 7, counterDoc{Counter: c2.Counter + 1}); err != nil {
		t.Fatalf("t2 update: %v", err)
	}

	if err := t1.Commit(ctx); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := t2.Commit(ctx); !errors.Is(err, ErrPageConflict) {
		t.Fatalf("second commit: got %v, want ErrPageConflict", err)
	}

	// The loser retries on a fresh snapshot.
	retry, err := db.BeginTransaction()
	if err != nil {
		t.Fatalf("begin retry: %v", err)
	}
	var c counterDoc
	if _, err := retry.Collection("counters").Get(ctx, 7, &c); err != nil {
		t.Fatalf("retry get: %v", err)
	}
	if c.Counter != 21 {
		t.Fatalf("retry read %d, want the winner's 21", c.Counter)
	}
	if _, err := retry.Collection("counters").Update(ctx, 7, counterDoc{Counter: c.Counter + 1}); err != nil {
		t.Fatalf("retry update: %v", err)
	}
	if err := retry.Commit(ctx); err != nil {
		t.Fatalf("retry commit: %v", err)
	}

	var final counterDoc
	if _, err := counters.Get(ctx, 7, &final); err != nil {
		t.Fatalf("final get: %v", err)
	}
	if final.Counter != 22 {
		t.Errorf("final counter %d, want 22", final.Counter)
	}
}

func TestCrashRecoveryFromWAL(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "crash.db")

	opts := testOptions()
	db, err := Create(path, opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.CreateCollection(ctx, "docs"); err != nil {
		t.Fatalf("create collection: %v", err)
	}

	docs := db.Collection("docs")
	const total = 200
	for i := 0; i < total; i++ {
		if _, err := docs.Insert(ctx, user{Name: fmt.Sprintf("doc%03d", i), Age: i}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	// Crash: the process dies with every committed page still in the
	// WAL and nothing checkpointed into the main file. The old handle
	// is simply never used again.
	db2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer db2.Close()

	count, err := db2.Collection("docs").Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != total {
		t.Fatalf("recovered %d docs, want %d", count, total)
	}
	var got user
	found, err := db2.Collection("docs").Get(ctx, total, &got)
	if err != nil || !found {
		t.Fatalf("get last doc: found=%v err=%v", found, err)
	}
	if got.Age != total-1 {
		t.Errorf("last doc age %d, want %d", got.Age, total-1)
	}
}

func TestEncryptedOpenWrongPassword(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "enc.db")

	opts := testOptions()
	opts.Encryption = &EncryptionOptions{Password: "good", KDFIterations: 1000}
	db, err := Create(path, opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.CreateCollection(ctx, "users"); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	if _, err := db.Collection("users").Insert(ctx, user{Name: "Ada", Age: 36}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	bad := testOptions()
	bad.Encryption = &EncryptionOptions{Password: "bad", KDFIterations: 1000}
	if _, err := Open(path, bad); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("wrong password: got %v, want ErrInvalidPassword", err)
	}

	good := testOptions()
	good.Encryption = &EncryptionOptions{Password: "good", KDFIterations: 1000}
	db, err = Open(path, good)
	if err != nil {
		t.Fatalf("correct password rejected: %v", err)
	}
	defer db.Close()

	var got user
	found, err := db.Collection("users").Get(ctx, 1, &got)
	if err != nil || !found || got.Name != "Ada" {
		t.Errorf("encrypted reopen: found=%v err=%v doc=%+v", found, err, got)
	}
}

func TestCloseReopenPreservesEverything(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")

	db, err := Create(path, testOptions())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = db.CreateCollection(ctx, "users", IndexSchema{
		Name:   "users_age",
		Fields: []IndexFieldSchema{{Name: "Age", Type: index.KindInt}},
	})
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}
	for i := 0; i < 50; i++ {
		if _, err := db.Collection("users").Insert(ctx, user{Name: fmt.Sprintf("u%d", i), Age: i}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err = Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	docs, err := db.Collection("users").Query().
		Where("Age", query.GTE, 40).
		OrderBy("Age", false).
		ToList(ctx)
	if err != nil {
		t.Fatalf("query after reopen: %v", err)
	}
	if len(docs) != 10 {
		t.Errorf("index query found %d docs after reopen, want 10", len(docs))
	}
}

func TestPrimaryKeyFullRangeAscending(t *testing.T) {
	ctx := context.Background()
	db, _ := createTestDB(t, testOptions())

	if err := db.CreateCollection(ctx, "users"); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	for i := 0; i < 20; i++ {
		if _, err := db.Collection("users").Insert(ctx, user{Age: i}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	docs, err := db.Collection("users").Query().
		Where(query.IDField, query.Between, -2147483648, 2147483647).
		ToList(ctx)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 20 {
		t.Fatalf("full range returned %d docs, want 20", len(docs))
	}
	for i, d := range docs {
		if d.ID != int32(i+1) {
			t.Errorf("position %d has id %d, want ascending ids", i, d.ID)
			break
		}
	}
}

func TestTransactionReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	db, _ := createTestDB(t, testOptions())
	if err := db.CreateCollection(ctx, "users"); err != nil {
		t.Fatalf("create collection: %v", err)
	}

	tx, err := db.BeginTransaction()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	id, err := tx.Collection("users").Insert(ctx, user{Name: "Ada", Age: 36})
	if err != nil {
		t.Fatalf("tx insert: %v", err)
	}

	// Visible inside the transaction.
	var got user
	if found, err := tx.Collection("users").Get(ctx, id, &got); err != nil || !found {
		t.Fatalf("tx get: found=%v err=%v", found, err)
	}

	// Invisible outside until commit.
	if found, _ := db.Collection("users").Get(ctx, id, &got); found {
		t.Error("uncommitted insert visible outside the transaction")
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if found, _ := db.Collection("users").Get(ctx, id, &got); !found {
		t.Error("committed insert not visible")
	}
}

func TestReadOnlyTransactionRejectsWrites(t *testing.T) {
	ctx := context.Background()
	db, _ := createTestDB(t, testOptions())
	if err := db.CreateCollection(ctx, "users"); err != nil {
		t.Fatalf("create collection: %v", err)
	}

	tx, err := db.BeginReadOnlyTransaction()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Abort()

	if _, err := tx.Collection("users").Insert(ctx, user{Name: "x"}); !errors.Is(err, ErrReadOnlyTransaction) {
		t.Errorf("insert in read-only txn: %v", err)
	}
	if err := tx.Commit(ctx); !errors.Is(err, ErrReadOnlyTransaction) {
		t.Errorf("commit of read-only txn: %v", err)
	}
}

func TestSchemaReconciliationAndOrphans(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "schema.db")

	db, err := Create(path, testOptions())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.CreateCollection(ctx, "legacy"); err != nil {
		t.Fatalf("create legacy: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	opts := Options{}
	opts.Schema = &Schema{Collections: []CollectionSchema{{
		Name: "users",
		Indexes: []IndexSchema{{
			Name:   "users_age",
			Fields: []IndexFieldSchema{{Name: "Age", Type: index.KindInt}},
		}},
	}}}
	db, err = Open(path, opts)
	if err != nil {
		t.Fatalf("reopen with schema: %v", err)
	}
	defer db.Close()

	// The declared collection was created.
	if _, err := db.Collection("users").Insert(ctx, user{Age: 1}); err != nil {
		t.Fatalf("declared collection missing: %v", err)
	}

	// The undeclared one is reported, not dropped.
	orphans := db.Orphans()
	if len(orphans) != 1 || orphans[0].Kind != "collection" || orphans[0].Collection != "legacy" {
		t.Errorf("orphans %+v, want the legacy collection", orphans)
	}
	if _, err := db.Collection("legacy").Count(ctx); err != nil {
		t.Errorf("orphaned collection dropped: %v", err)
	}
}

func TestUpdateMovesIndexEntries(t *testing.T) {
	ctx := context.Background()
	db, _ := createTestDB(t, testOptions())

	err := db.CreateCollection(ctx, "users", IndexSchema{
		Name:   "users_age",
		Fields: []IndexFieldSchema{{Name: "Age", Type: index.KindInt}},
	})
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}

	users := db.Collection("users")
	id, err := users.Insert(ctx, user{Name: "Ada", Age: 30})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := users.Update(ctx, id, user{Name: "Ada", Age: 40}); err != nil {
		t.Fatalf("update: %v", err)
	}

	hits, err := users.Query().Where("Age", query.Eq, 30).ToList(ctx)
	if err != nil {
		t.Fatalf("query old age: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("old index entry still matches: %d hits", len(hits))
	}
	hits, err = users.Query().Where("Age", query.Eq, 40).ToList(ctx)
	if err != nil {
		t.Fatalf("query new age: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != id {
		t.Errorf("new index entry missing: %+v", hits)
	}
}

func TestQuerySkipLimitAndTerminals(t *testing.T) {
	ctx := context.Background()
	db, _ := createTestDB(t, testOptions())
	if err := db.CreateCollection(ctx, "users"); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	for i := 0; i < 30; i++ {
		if _, err := db.Collection("users").Insert(ctx, user{Age: i}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	docs, err := db.Collection("users").Query().Skip(10).Limit(5).ToList(ctx)
	if err != nil {
		t.Fatalf("skip/limit: %v", err)
	}
	if len(docs) != 5 || docs[0].ID != 11 {
		t.Errorf("skip 10 limit 5: %d docs starting at %d", len(docs), docs[0].ID)
	}

	n, err := db.Collection("users").Query().Where("Age", query.LT, 10).Count(ctx)
	if err != nil || n != 10 {
		t.Errorf("count: n=%d err=%v", n, err)
	}

	first, err := db.Collection("users").Query().OrderBy("Age", true).FirstOrDefault(ctx)
	if err != nil || first == nil {
		t.Fatalf("first: %v %v", first, err)
	}
	var got user
	if err := first.DecodeInto(&got); err != nil || got.Age != 29 {
		t.Errorf("descending first: %+v err=%v", got, err)
	}

	missing, err := db.Collection("users").Query().Where("Age", query.GT, 1000).FirstOrDefault(ctx)
	if err != nil || missing != nil {
		t.Errorf("first of empty result: %v %v", missing, err)
	}
}

func TestCheckpointAndStats(t *testing.T) {
	ctx := context.Background()
	db, _ := createTestDB(t, testOptions())
	if err := db.CreateCollection(ctx, "users"); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	for i := 0; i < 20; i++ {
		if _, err := db.Collection("users").Insert(ctx, user{Age: i}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	st := db.Stats()
	if st.WALFrames == 0 {
		t.Error("no WAL frames recorded before checkpoint")
	}
	if st.Collections != 1 {
		t.Errorf("stats report %d collections", st.Collections)
	}

	if err := db.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if got := db.Stats().WALFrames; got != 0 {
		t.Errorf("%d WAL frames after checkpoint, want 0", got)
	}

	// Everything survives the checkpoint.
	count, err := db.Collection("users").Count(ctx)
	if err != nil || count != 20 {
		t.Errorf("count after checkpoint: %d err=%v", count, err)
	}
}

func TestDeleteRemovesDocAndIndexEntries(t *testing.T) {
	ctx := context.Background()
	db, _ := createTestDB(t, testOptions())

	err := db.CreateCollection(ctx, "users", IndexSchema{
		Name:   "users_age",
		Fields: []IndexFieldSchema{{Name: "Age", Type: index.KindInt}},
	})
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}

	users := db.Collection("users")
	id, err := users.Insert(ctx, user{Age: 55})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	found, err := users.Delete(ctx, id)
	if err != nil || !found {
		t.Fatalf("delete: found=%v err=%v", found, err)
	}
	var got user
	if found, _ := users.Get(ctx, id, &got); found {
		t.Error("deleted doc still readable")
	}
	hits, err := users.Query().Where("Age", query.Eq, 55).ToList(ctx)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 0 {
		t.Error("index entry survived the delete")
	}
	if found, err := users.Delete(ctx, id); err != nil || found {
		t.Errorf("double delete: found=%v err=%v", found, err)
	}
}
