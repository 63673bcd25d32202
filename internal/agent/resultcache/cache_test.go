package resultcache

import (
	"testing"
	"time"
)

func TestCache_StoreAndLookup(t *testing.T) {
	c := New()
	c.Store("read", []byte(`{"path":"a.go"}`), "package a")

	v, ok := c.Lookup("read", []byte(`{"path":"a.go"}`))
	if !ok || v != "package a" {
		t.Fatalf("expected cache hit, got %q ok=%v", v, ok)
	}
}

func TestCache_KeyStableUnderKeyPermutation(t *testing.T) {
	c := New()
	c.Store("grep", []byte(`{"pattern":"foo","path":"a.go"}`), "1 match")

	v, ok := c.Lookup("grep", []byte(`{"path":"a.go","pattern":"foo"}`))
	if !ok || v != "1 match" {
		t.Fatalf("expected key-order-independent hit, got %q ok=%v", v, ok)
	}
}

func TestCache_NonCacheableToolNeverStored(t *testing.T) {
	c := New()
	c.Store("bash_run", []byte(`{"cmd":"ls"}`), "output")
	if c.Len() != 0 {
		t.Fatalf("expected non-cacheable tool to be rejected, len=%d", c.Len())
	}
	if _, ok := c.Lookup("bash_run", []byte(`{"cmd":"ls"}`)); ok {
		t.Fatalf("expected lookup miss for non-cacheable tool")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Store("read", []byte(`{"path":"a.go"}`), "package a")

	c.now = func() time.Time { return now.Add(TTL - time.Second) }
	if _, ok := c.Lookup("read", []byte(`{"path":"a.go"}`)); !ok {
		t.Fatalf("expected entry still valid just under TTL")
	}

	c.now = func() time.Time { return now.Add(TTL + time.Second) }
	if _, ok := c.Lookup("read", []byte(`{"path":"a.go"}`)); ok {
		t.Fatalf("expected entry evicted past TTL")
	}
	if c.Len() != 0 {
		t.Fatalf("expected lookup to evict the stale entry, len=%d", c.Len())
	}
}

func TestCache_InvalidatePathSubstringMatch(t *testing.T) {
	c := New()
	c.Store("read", []byte(`{"path":"src/lib.rs"}`), "mod tests;")
	c.Store("read", []byte(`{"path":"src/main.rs"}`), "fn main(){}")
	c.Store("grep", []byte(`{"pattern":"foo","path":"other/file.rs"}`), "no match")

	c.InvalidatePath("src/lib.rs")

	if _, ok := c.Lookup("read", []byte(`{"path":"src/lib.rs"}`)); ok {
		t.Fatalf("expected invalidated entry to be gone")
	}
	if _, ok := c.Lookup("read", []byte(`{"path":"src/main.rs"}`)); !ok {
		t.Fatalf("expected unrelated path to survive invalidation")
	}
	if c.Len() != 2 {
		t.Fatalf("expected one entry invalidated, got len=%d", c.Len())
	}
}
