package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"sealog/internal/domain"
)

// Local stores archives under a POSIX directory.
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("local archive root is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrArchiveStore, err)
	}
	return &Local{root: root}, nil
}

func (l *Local) Kind() domain.StoreKind {
	return domain.StoreLocal
}

func (l *Local) path(key string) (string, error) {
	return resolve(l.root, key)
}

func resolve(root, key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: invalid archive key %q", domain.ErrInvalidArgument, key)
	}
	return filepath.Join(root, clean), nil
}

func (l *Local) Put(ctx context.Context, key string, payload []byte) (domain.ArchiveReceipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.ArchiveReceipt{}, err
	}
	target, err := l.path(key)
	if err != nil {
		return domain.ArchiveReceipt{}, err
	}
	if err := writeAtomic(target, payload, 0o640); err != nil {
		return domain.ArchiveReceipt{}, fmt.Errorf("%w: %v", domain.ErrArchiveStore, err)
	}
	return domain.ArchiveReceipt{
		Store:    domain.StoreLocal,
		Key:      key,
		Location: target,
		Size:     int64(len(payload)),
		SHA256:   SHA256Hex(payload),
	}, nil
}

func writeAtomic(target string, payload []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".archive-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

func (l *Local) Head(_ context.Context, key string) (bool, error) {
	target, err := l.path(key)
	if err != nil {
		return false, err
	}
	return exists(target)
}

func exists(target string) (bool, error) {
	_, err := os.Stat(target)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", domain.ErrArchiveStore, err)
}

func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	target, err := l.path(key)
	if err != nil {
		return nil, err
	}
	return readFile(target)
}

func readFile(target string) ([]byte, error) {
	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrArchiveStore, err)
	}
	return data, nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	target, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", domain.ErrArchiveStore, err)
	}
	return nil
}
