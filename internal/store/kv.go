package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/basket/meridian/internal/sqlutil"
)

// compressionThreshold is the serialized-size cutoff above which PutState
// transparently gzip-compresses the value: payloads at exactly 1 MiB are
// stored uncompressed, at 1 MiB + 1B they are compressed.
const compressionThreshold = 1 << 20 // 1 MiB

// PutState writes value durably to Tier B (always, since durable defaults
// true) and best-effort to Tier A. Values larger than 1 MiB serialized are
// gzip-compressed transparently; the compressed flag travels alongside the
// value so GetState can reverse it.
func (s *Store) PutState(ctx context.Context, key string, value []byte, ttl time.Duration, durable bool) error {
	stored := value
	compressed := false
	if len(value) > compressionThreshold {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(value); err != nil {
			return fmt.Errorf("%w: gzip compress: %v", ErrSerialization, err)
		}
		if err := gw.Close(); err != nil {
			return fmt.Errorf("%w: gzip close: %v", ErrSerialization, err)
		}
		stored = buf.Bytes()
		compressed = true
	}

	if durable {
		err := sqlutil.RetryOnBusy(ctx, 5, func() error {
			_, err := s.db.ExecContext(ctx, `
INSERT INTO kv_store (key, value, compressed, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, compressed=excluded.compressed, updated_at=CURRENT_TIMESTAMP`,
				key, stored, boolToInt(compressed))
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailableB, err)
		}
	}

	if s.cache != nil {
		if ttl <= 0 {
			ttl = defaultCacheTTL
		}
		cacheVal := append([]byte{boolToByte(compressed)}, stored...)
		if err := s.cache.Set(ctx, key, cacheVal, ttl); err != nil {
			// Unavailable on A is always recoverable; the durable write above
			// already succeeded (or wasn't requested), so this is non-fatal.
			s.logCacheBypassOnce(keyPrefix(key))
		}
	}
	return nil
}

// GetState reads Tier A first; on a miss (or an unreachable cache) it reads
// Tier B and repopulates A with the default TTL.
func (s *Store) GetState(ctx context.Context, key string) ([]byte, bool, error) {
	if s.cache != nil {
		if cached, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			return decodeCacheValue(cached)
		} else if err != nil {
			s.logCacheBypassOnce(keyPrefix(key))
		}
	}

	var value []byte
	var compressedInt int
	err := s.db.QueryRowContext(ctx, `SELECT value, compressed FROM kv_store WHERE key = ?`, key).Scan(&value, &compressedInt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailableB, err)
	}

	result, err := maybeDecompress(value, compressedInt != 0)
	if err != nil {
		return nil, false, err
	}

	if s.cache != nil {
		cacheVal := append([]byte{boolToByte(compressedInt != 0)}, value...)
		_ = s.cache.Set(ctx, key, cacheVal, defaultCacheTTL)
	}
	return result, true, nil
}

func decodeCacheValue(cached []byte) ([]byte, bool, error) {
	if len(cached) == 0 {
		return nil, false, nil
	}
	compressed := cached[0] == 1
	raw := cached[1:]
	result, err := maybeDecompress(raw, compressed)
	if err != nil {
		return nil, false, err
	}
	return result, true, nil
}

func maybeDecompress(value []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return value, nil
	}
	gr, err := gzip.NewReader(bytes.NewReader(value))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip reader: %v", ErrSerialization, err)
	}
	defer gr.Close()
	out, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip read: %v", ErrSerialization, err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func boolToByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
