package cache

import (
	"context"
	"errors"
	"testing"
)

func TestNameAndIsCurrent(t *testing.T) {
	if got := Name(RoleStatic, "v1"); got != "static-v1" {
		t.Fatalf("Expected static-v1, got %s", got)
	}

	tests := []struct {
		name string
		tag  VersionTag
		want bool
	}{
		{"static-v1", "v1", true},
		{"data-v1", "v1", true},
		{"static-v1", "v2", false},
		{"static-v11", "v1", false},
		{"static-v1", "", false},
		{"static-rc-2", "2", false},
		{"static-rc-2", "rc-2", true},
		{"static-v1-hotfix", "hotfix", false},
		{"data-v1-hotfix", "v1-hotfix", true},
		{"v1", "v1", false},
	}
	for _, test := range tests {
		if got := IsCurrent(test.name, test.tag); got != test.want {
			t.Errorf("IsCurrent(%q, %q) = %v, want %v", test.name, test.tag, got, test.want)
		}
	}
}

func TestVersionedStoreSaveLookup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(NewLRUCacheFactory(10))
	defer store.Close()
	vs := NewVersionedStore(store, "v1", DefaultOptions())

	if _, ok := vs.Lookup(ctx, RoleStatic, "fp"); ok {
		t.Fatal("Expected miss on empty store")
	}
	if !vs.Save(ctx, RoleStatic, "fp", []byte("one")) {
		t.Fatal("Save should succeed")
	}
	if !vs.Save(ctx, RoleStatic, "fp", []byte("two")) {
		t.Fatal("Save should succeed")
	}

	entry, ok := vs.Lookup(ctx, RoleStatic, "fp")
	if !ok {
		t.Fatal("Expected hit")
	}
	if string(entry.Payload) != "two" || entry.CacheName != "static-v1" {
		t.Fatalf("Unexpected entry %+v", entry)
	}
	if metrics, _ := store.Metrics("static-v1"); metrics.Size != 1 {
		t.Fatalf("Expected one entry per fingerprint, got %d", metrics.Size)
	}

	stats := vs.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Writes != 2 {
		t.Fatalf("Unexpected stats %+v", stats)
	}
}

func TestVersionedStoreRolesAreSeparate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(NewLRUCacheFactory(10))
	defer store.Close()
	vs := NewVersionedStore(store, "v1", DefaultOptions())

	vs.Save(ctx, RoleData, "fp", []byte("data"))
	if _, ok := vs.Lookup(ctx, RoleStatic, "fp"); ok {
		t.Fatal("Data entry must not be visible in the static cache")
	}
}

func TestVersionedStoreIgnoresOtherVersions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(NewLRUCacheFactory(10))
	defer store.Close()

	NewVersionedStore(store, "v1", DefaultOptions()).Save(ctx, RoleStatic, "fp", []byte("old"))
	v2 := NewVersionedStore(store, "v2", DefaultOptions())
	if _, ok := v2.Lookup(ctx, RoleStatic, "fp"); ok {
		t.Fatal("v2 must not read v1 entries")
	}
}

func TestVersionedStoreFailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(NewLRUCacheFactory(10))
	store.Close()

	var reported []error
	opts := DefaultOptions()
	opts.OnError = func(err error) { reported = append(reported, err) }
	vs := NewVersionedStore(store, "v1", opts)

	if vs.Save(ctx, RoleStatic, "fp", []byte("x")) {
		t.Fatal("Save should report failure on a closed store")
	}
	if _, ok := vs.Lookup(ctx, RoleStatic, "fp"); ok {
		t.Fatal("Lookup should miss on a closed store")
	}

	stats := vs.Stats()
	if stats.WriteFailures != 1 || stats.ReadFailures != 1 {
		t.Fatalf("Unexpected stats %+v", stats)
	}
	if len(reported) != 2 || !errors.Is(reported[0], ErrCacheClosed) {
		t.Fatalf("Expected two reported errors, got %v", reported)
	}
}

func TestVersionedStoreTag(t *testing.T) {
	vs := NewVersionedStore(NewMemoryStore(NewLRUCacheFactory(1)), "v7", DefaultOptions())
	if vs.Tag() != "v7" {
		t.Fatalf("Expected v7, got %s", vs.Tag())
	}
}
