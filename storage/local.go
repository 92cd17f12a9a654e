package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// LocalBackend stores blobs under a root directory on the local filesystem.
type LocalBackend struct {
	root   string
	signer *URLSigner
}

func NewLocalBackend(root string, signer *URLSigner) (*LocalBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &LocalBackend{root: root, signer: signer}, nil
}

func (b *LocalBackend) fullPath(path string) string {
	return filepath.Join(b.root, filepath.FromSlash(path))
}

func (b *LocalBackend) Put(ctx context.Context, path string, data []byte, contentType string) error {
	full := b.fullPath(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

func (b *LocalBackend) Head(ctx context.Context, path string) (*ObjectInfo, error) {
	full := b.fullPath(path)
	stat, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(full)
	if err != nil {
		return nil, err
	}
	sum := md5.Sum(content)

	return &ObjectInfo{
		Size:         stat.Size(),
		ETag:         hex.EncodeToString(sum[:]),
		ContentType:  "application/octet-stream",
		LastModified: stat.ModTime(),
	}, nil
}

func (b *LocalBackend) Delete(ctx context.Context, path string) (bool, error) {
	err := os.Remove(b.fullPath(path))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *LocalBackend) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			paths = append(paths, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func (b *LocalBackend) SignedURL(path string, expiresIn time.Duration) (string, error) {
	return b.signer.Sign(path, expiresIn), nil
}
