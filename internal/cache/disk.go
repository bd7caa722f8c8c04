package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Disk is a Cache backed by the local filesystem. Entries are stored
// zstd-compressed under root, one file per key/format pair; expiry is
// evaluated lazily on read against the deadline stored in a companion
// .exp file rather than through a background sweep.
type Disk struct {
	root    string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewDisk creates a Disk cache rooted at dir, creating it if necessary.
func NewDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create cache root %q: %w", dir, err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("cache: create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("cache: create zstd decoder: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cache: resolve cache root %q: %w", dir, err)
	}
	return &Disk{root: abs, encoder: enc, decoder: dec}, nil
}

func (d *Disk) path(key, format string) string {
	return filepath.Join(d.root, objectKey(key, format)+".zst")
}

// Get reads and decompresses the cached entry, reporting a miss if the
// file is absent or if its TTL (recorded in a companion .exp file) has
// elapsed.
func (d *Disk) Get(_ context.Context, key, format string) ([]byte, bool, error) {
	path := d.path(key, format)

	expired, err := d.expired(path)
	if err != nil {
		return nil, false, nil
	}
	if expired {
		return nil, false, nil
	}

	compressed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: read %q: %w", path, err)
	}

	payload, err := d.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, fmt.Errorf("cache: decompress %q: %w", path, err)
	}
	return payload, true, nil
}

// Set compresses payload and writes it to disk, alongside an expiry
// marker file carrying the entry's deadline.
func (d *Disk) Set(_ context.Context, key, format string, payload []byte, ttl time.Duration) error {
	path := d.path(key, format)
	compressed := d.encoder.EncodeAll(payload, nil)
	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		return fmt.Errorf("cache: write %q: %w", path, err)
	}

	deadline := time.Now().Add(ttl)
	if err := os.WriteFile(path+".exp", []byte(deadline.Format(time.RFC3339Nano)), 0o644); err != nil {
		return fmt.Errorf("cache: write expiry for %q: %w", path, err)
	}
	return nil
}

// ModifiedSince returns the on-disk entry's modification time.
func (d *Disk) ModifiedSince(_ context.Context, key, format string) (time.Time, bool, error) {
	path := d.path(key, format)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("cache: stat %q: %w", path, err)
	}
	return info.ModTime(), true, nil
}

func (d *Disk) expired(path string) (bool, error) {
	raw, err := os.ReadFile(path + ".exp")
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	deadline, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return false, err
	}
	return time.Now().After(deadline), nil
}
