package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"sealog/internal/domain"
)

// WORM writes each key once and never deletes. Files are left read-only.
type WORM struct {
	root string
}

func NewWORM(root string) (*WORM, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("worm archive root is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrArchiveStore, err)
	}
	return &WORM{root: root}, nil
}

func (w *WORM) Kind() domain.StoreKind {
	return domain.StoreWORM
}

// Put accepts a repeated write only when it carries identical bytes, so a
// retried archive job converges on the same receipt.
func (w *WORM) Put(ctx context.Context, key string, payload []byte) (domain.ArchiveReceipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.ArchiveReceipt{}, err
	}
	target, err := resolve(w.root, key)
	if err != nil {
		return domain.ArchiveReceipt{}, err
	}
	present, err := exists(target)
	if err != nil {
		return domain.ArchiveReceipt{}, err
	}
	if present {
		current, err := readFile(target)
		if err != nil {
			return domain.ArchiveReceipt{}, err
		}
		if !bytes.Equal(current, payload) {
			return domain.ArchiveReceipt{}, fmt.Errorf("%w: worm key %s already written with different content", domain.ErrConflict, key)
		}
	} else if err := writeAtomic(target, payload, 0o440); err != nil {
		return domain.ArchiveReceipt{}, fmt.Errorf("%w: %v", domain.ErrArchiveStore, err)
	}
	return domain.ArchiveReceipt{
		Store:    domain.StoreWORM,
		Key:      key,
		Location: target,
		Size:     int64(len(payload)),
		SHA256:   SHA256Hex(payload),
	}, nil
}

func (w *WORM) Head(_ context.Context, key string) (bool, error) {
	target, err := resolve(w.root, key)
	if err != nil {
		return false, err
	}
	return exists(target)
}

func (w *WORM) Get(_ context.Context, key string) ([]byte, error) {
	target, err := resolve(w.root, key)
	if err != nil {
		return nil, err
	}
	return readFile(target)
}

func (w *WORM) Delete(context.Context, string) error {
	return fmt.Errorf("%w: worm archives cannot be deleted", domain.ErrIllegalTransition)
}
