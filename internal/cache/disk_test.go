package cache

import (
	"context"
	"testing"
	"time"
)

func TestDiskRoundTrip(t *testing.T) {
	d, err := NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	ctx := context.Background()

	payload := []byte("<html>hello</html>")
	if err := d.Set(ctx, "http://example.test/", "html", payload, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := d.Get(ctx, "http://example.test/", "html")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected a hit")
	}
	if string(got) != string(payload) {
		t.Errorf("Get() = %q, want %q", got, payload)
	}
}

func TestDiskGetMiss(t *testing.T) {
	d, err := NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	if _, ok, err := d.Get(context.Background(), "http://example.test/missing", "html"); err != nil || ok {
		t.Errorf("Get() = (_, %v, %v), want a miss", ok, err)
	}
}

func TestDiskEntryExpires(t *testing.T) {
	d, err := NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	ctx := context.Background()

	if err := d.Set(ctx, "http://example.test/", "html", []byte("hi"), -time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, err := d.Get(ctx, "http://example.test/", "html"); err != nil || ok {
		t.Errorf("Get() = (_, %v, %v), want expired entry to miss", ok, err)
	}
}

func TestDiskModifiedSince(t *testing.T) {
	d, err := NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	ctx := context.Background()

	if _, ok, err := d.ModifiedSince(ctx, "http://example.test/", "html"); err != nil || ok {
		t.Errorf("ModifiedSince() on miss = (_, %v, %v), want ok=false", ok, err)
	}

	before := time.Now()
	if err := d.Set(ctx, "http://example.test/", "html", []byte("hi"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	modTime, ok, err := d.ModifiedSince(ctx, "http://example.test/", "html")
	if err != nil || !ok {
		t.Fatalf("ModifiedSince() = (_, %v, %v), want a hit", ok, err)
	}
	if modTime.Before(before.Add(-time.Second)) {
		t.Errorf("modTime %v looks stale relative to %v", modTime, before)
	}
}

func TestDiskDistinguishesFormats(t *testing.T) {
	d, err := NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	ctx := context.Background()

	if err := d.Set(ctx, "http://example.test/", "html", []byte("html-body"), time.Hour); err != nil {
		t.Fatalf("Set html: %v", err)
	}
	if _, ok, _ := d.Get(ctx, "http://example.test/", "pdf"); ok {
		t.Error("expected a miss for a different format under the same key")
	}
}
