package storage

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"
)

// PostgresBackend keeps blobs in a bytea table. It fills the object-storage
// role in deployments that only run postgres; prefix enumeration maps to a
// LIKE scan over the primary key.
type PostgresBackend struct {
	db     *sql.DB
	signer *URLSigner
}

func NewPostgresBackend(db *sql.DB, signer *URLSigner) *PostgresBackend {
	return &PostgresBackend{db: db, signer: signer}
}

func (b *PostgresBackend) Put(ctx context.Context, path string, data []byte, contentType string) error {
	sum := md5.Sum(data)
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO blobs (path, content, content_type, etag, size, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (path) DO UPDATE
		SET content = $2, content_type = $3, etag = $4, size = $5, updated_at = NOW()`,
		path, data, contentType, hex.EncodeToString(sum[:]), len(data))
	return err
}

func (b *PostgresBackend) Head(ctx context.Context, path string) (*ObjectInfo, error) {
	var info ObjectInfo
	err := b.db.QueryRowContext(ctx,
		"SELECT size, etag, content_type, updated_at FROM blobs WHERE path = $1", path).
		Scan(&info.Size, &info.ETag, &info.ContentType, &info.LastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (b *PostgresBackend) Delete(ctx context.Context, path string) (bool, error) {
	result, err := b.db.ExecContext(ctx, "DELETE FROM blobs WHERE path = $1", path)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (b *PostgresBackend) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT path FROM blobs WHERE path LIKE $1 || '%' ORDER BY path ASC", prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (b *PostgresBackend) SignedURL(path string, expiresIn time.Duration) (string, error) {
	return b.signer.Sign(path, expiresIn), nil
}
