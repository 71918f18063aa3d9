package memory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned by backends when no record exists for a key.
	ErrNotFound = errors.New("memory: not found")
	// ErrArchiveExists is returned when an archive key was already written.
	ErrArchiveExists = errors.New("memory: archive already exists")
)

// Backend is the key-value persistence behind Store. Keys are derived from
// (kind, entity id) and (run id, kind, entity id) without any index.
type Backend interface {
	ReadSnapshot(ctx context.Context, kind Kind, entityID string) ([]byte, error)
	WriteSnapshot(ctx context.Context, kind Kind, entityID string, data []byte) error
	ReadArchive(ctx context.Context, runID string, kind Kind, entityID string) ([]byte, error)
	WriteArchive(ctx context.Context, runID string, kind Kind, entityID string, data []byte) error
	Close() error
}

// FileBackend stores one JSON file per entity below a root directory.
type FileBackend struct {
	root string
}

func NewFileBackend(root string) (*FileBackend, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("memory dir is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	return &FileBackend{root: root}, nil
}

func (b *FileBackend) Close() error { return nil }

func (b *FileBackend) snapshotPath(kind Kind, entityID string) (string, error) {
	if kind == KindGroup {
		return filepath.Join(b.root, "group.json"), nil
	}
	name, err := safeName(entityID)
	if err != nil {
		return "", err
	}
	return filepath.Join(b.root, "students", name+".json"), nil
}

func (b *FileBackend) archivePath(runID string, kind Kind, entityID string) (string, error) {
	run, err := safeName(runID)
	if err != nil {
		return "", err
	}
	if kind == KindGroup {
		return filepath.Join(b.root, "archive", run, "group.json"), nil
	}
	name, err := safeName(entityID)
	if err != nil {
		return "", err
	}
	return filepath.Join(b.root, "archive", run, "students", name+".json"), nil
}

func (b *FileBackend) ReadSnapshot(ctx context.Context, kind Kind, entityID string) ([]byte, error) {
	path, err := b.snapshotPath(kind, entityID)
	if err != nil {
		return nil, err
	}
	return readFile(ctx, path)
}

func (b *FileBackend) ReadArchive(ctx context.Context, runID string, kind Kind, entityID string) ([]byte, error) {
	path, err := b.archivePath(runID, kind, entityID)
	if err != nil {
		return nil, err
	}
	return readFile(ctx, path)
}

// WriteSnapshot replaces the snapshot through a temp file and rename so a
// crash never leaves a half-written snapshot in place.
func (b *FileBackend) WriteSnapshot(ctx context.Context, kind Kind, entityID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := b.snapshotPath(kind, entityID)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// WriteArchive creates the archive file exclusively; an existing file is
// never overwritten.
func (b *FileBackend) WriteArchive(ctx context.Context, runID string, kind Kind, entityID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := b.archivePath(runID, kind, entityID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrArchiveExists
		}
		return fmt.Errorf("create archive: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write archive: %w", err)
	}
	return f.Close()
}

func readFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// safeName escapes an id for use as a single path segment.
func safeName(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || id == "." || id == ".." {
		return "", fmt.Errorf("invalid entity id %q", id)
	}
	return url.PathEscape(id), nil
}

// RedisBackend stores snapshots and archives as plain string keys.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects to redisURL and verifies the connection.
func NewRedisBackend(ctx context.Context, redisURL, prefix string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisBackend{client: client, prefix: redisPrefix(prefix)}, nil
}

func redisPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		return "insights"
	}
	return prefix
}

func (b *RedisBackend) Close() error { return b.client.Close() }

func (b *RedisBackend) snapshotKey(kind Kind, entityID string) string {
	if kind == KindGroup {
		return fmt.Sprintf("%s:memory:group", b.prefix)
	}
	return fmt.Sprintf("%s:memory:student:%s", b.prefix, entityID)
}

func (b *RedisBackend) archiveKey(runID string, kind Kind, entityID string) string {
	if kind == KindGroup {
		return fmt.Sprintf("%s:archive:%s:group", b.prefix, runID)
	}
	return fmt.Sprintf("%s:archive:%s:student:%s", b.prefix, runID, entityID)
}

func (b *RedisBackend) get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return data, nil
}

func (b *RedisBackend) ReadSnapshot(ctx context.Context, kind Kind, entityID string) ([]byte, error) {
	return b.get(ctx, b.snapshotKey(kind, entityID))
}

func (b *RedisBackend) ReadArchive(ctx context.Context, runID string, kind Kind, entityID string) ([]byte, error) {
	return b.get(ctx, b.archiveKey(runID, kind, entityID))
}

func (b *RedisBackend) WriteSnapshot(ctx context.Context, kind Kind, entityID string, data []byte) error {
	if err := b.client.Set(ctx, b.snapshotKey(kind, entityID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set snapshot: %w", err)
	}
	return nil
}

func (b *RedisBackend) WriteArchive(ctx context.Context, runID string, kind Kind, entityID string, data []byte) error {
	ok, err := b.client.SetNX(ctx, b.archiveKey(runID, kind, entityID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set archive: %w", err)
	}
	if !ok {
		return ErrArchiveExists
	}
	return nil
}
