package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"profilevault.org/internal/coldstore"
)

// ColdObjects is a coldstore.Sink backed by the cold_objects table.
type ColdObjects struct {
	db     *sql.DB
	bucket string
}

func (c *ColdObjects) Put(ctx context.Context, key string, data []byte) (coldstore.Location, error) {
	if err := coldstore.CheckKey(key); err != nil {
		return coldstore.Location{}, err
	}
	etag := coldstore.ETag(data)
	_, err := c.db.ExecContext(ctx, `
		insert into cold_objects (bucket, key, data, etag)
		values ($1, $2, $3, $4)
		on conflict (bucket, key) do update set data = excluded.data, etag = excluded.etag, created_at = now()
	`, c.bucket, key, data, etag)
	if err != nil {
		return coldstore.Location{}, fmt.Errorf("coldstore: put %s: %w", key, err)
	}
	return coldstore.Location{Bucket: c.bucket, Key: key, ETag: etag}, nil
}

func (c *ColdObjects) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx, `select data from cold_objects where bucket = $1 and key = $2`, c.bucket, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", coldstore.ErrNotFound, key)
	}
	return data, err
}
