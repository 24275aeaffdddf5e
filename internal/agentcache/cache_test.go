package agentcache

import (
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent-cache.db")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("unexpected error opening cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutDirGetDirRoundTrip(t *testing.T) {
	c := openTestCache(t)

	if err := c.PutDir("/a/b", 12345.5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, found, err := c.GetDir("/a/b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatalf("expected record to be found")
	}
	if rec.Path != "/a/b" || rec.Mtime != 12345.5 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestGetDirMissReturnsNotFound(t *testing.T) {
	c := openTestCache(t)
	_, found, err := c.GetDir("/never/put")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected a miss for a path never put")
	}
}

func TestUnchangedComparesExactMtime(t *testing.T) {
	c := openTestCache(t)
	c.PutDir("/dir", 100.0)

	unchanged, err := c.Unchanged("/dir", 100.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !unchanged {
		t.Fatalf("expected matching mtime to report unchanged")
	}

	changed, err := c.Unchanged("/dir", 200.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed {
		t.Fatalf("expected differing mtime to report changed")
	}
}

func TestUnchangedOnUncachedPathIsFalse(t *testing.T) {
	c := openTestCache(t)
	unchanged, err := c.Unchanged("/never/put", 1.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if unchanged {
		t.Fatalf("expected an uncached directory to always report changed")
	}
}

func TestDeleteDirRemovesRecord(t *testing.T) {
	c := openTestCache(t)
	c.PutDir("/dir", 1.0)
	if err := c.DeleteDir("/dir"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, found, _ := c.GetDir("/dir")
	if found {
		t.Fatalf("expected record removed after DeleteDir")
	}
}

func TestLenCountsRecords(t *testing.T) {
	c := openTestCache(t)
	c.PutDir("/a", 1.0)
	c.PutDir("/b", 2.0)
	c.PutDir("/c", 3.0)

	n, err := c.Len()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 records, got %d", n)
	}
}

func TestOpenRejectsMismatchedSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent-cache.db")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Close()

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("unexpected error reopening raw bbolt file: %v", err)
	}
	if err := bdb.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMeta)).Put([]byte("schema_version"), []byte("99"))
	}); err != nil {
		t.Fatalf("unexpected error forcing a schema mismatch: %v", err)
	}
	bdb.Close()

	if _, err := Open(path); err == nil {
		t.Fatalf("expected Open to reject a stale schema version")
	}
}
