package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"sealog/internal/domain"
)

type tapeHeader struct {
	Key    string `json:"key"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Tape appends archives to a sequential device. Each file is a JSON header
// line followed by the payload; lookups rewind and scan forward.
type Tape struct {
	device string
	mu     sync.Mutex
}

func NewTape(device string) (*Tape, error) {
	if strings.TrimSpace(device) == "" {
		return nil, errors.New("tape device path is required")
	}
	f, err := os.OpenFile(device, os.O_CREATE|os.O_RDONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrArchiveStore, err)
	}
	f.Close()
	return &Tape{device: device}, nil
}

func (t *Tape) Kind() domain.StoreKind {
	return domain.StoreTape
}

func (t *Tape) Put(ctx context.Context, key string, payload []byte) (domain.ArchiveReceipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.ArchiveReceipt{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	sum := SHA256Hex(payload)
	receipt := domain.ArchiveReceipt{
		Store:    domain.StoreTape,
		Key:      key,
		Location: t.device,
		Size:     int64(len(payload)),
		SHA256:   sum,
	}
	header, found, err := t.seek(key, nil)
	if err != nil {
		return domain.ArchiveReceipt{}, err
	}
	if found {
		if header.SHA256 != sum {
			return domain.ArchiveReceipt{}, fmt.Errorf("%w: tape already holds %s with different content", domain.ErrConflict, key)
		}
		return receipt, nil
	}

	f, err := os.OpenFile(t.device, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return domain.ArchiveReceipt{}, fmt.Errorf("%w: %v", domain.ErrArchiveStore, err)
	}
	defer f.Close()
	line, err := json.Marshal(tapeHeader{Key: key, Size: int64(len(payload)), SHA256: sum})
	if err != nil {
		return domain.ArchiveReceipt{}, err
	}
	w := bufio.NewWriter(f)
	w.Write(line)
	w.WriteByte('\n')
	w.Write(payload)
	if err := w.Flush(); err != nil {
		return domain.ArchiveReceipt{}, fmt.Errorf("%w: %v", domain.ErrArchiveStore, err)
	}
	if err := f.Sync(); err != nil {
		return domain.ArchiveReceipt{}, fmt.Errorf("%w: %v", domain.ErrArchiveStore, err)
	}
	return receipt, nil
}

// seek scans the device for key. When sink is non-nil the payload of the
// matching file is copied into it.
func (t *Tape) seek(key string, sink io.Writer) (tapeHeader, bool, error) {
	f, err := os.Open(t.device)
	if err != nil {
		return tapeHeader{}, false, fmt.Errorf("%w: %v", domain.ErrArchiveStore, err)
	}
	defer f.Close()
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) && len(line) == 0 {
			return tapeHeader{}, false, nil
		}
		if err != nil {
			return tapeHeader{}, false, fmt.Errorf("%w: truncated tape header: %v", domain.ErrArchiveStore, err)
		}
		var header tapeHeader
		if err := json.Unmarshal(line, &header); err != nil {
			return tapeHeader{}, false, fmt.Errorf("%w: corrupt tape header: %v", domain.ErrArchiveStore, err)
		}
		if header.Key == key {
			if sink != nil {
				if _, err := io.CopyN(sink, r, header.Size); err != nil {
					return tapeHeader{}, false, fmt.Errorf("%w: %v", domain.ErrArchiveStore, err)
				}
			}
			return header, true, nil
		}
		if _, err := r.Discard(int(header.Size)); err != nil {
			return tapeHeader{}, false, fmt.Errorf("%w: truncated tape file %s: %v", domain.ErrArchiveStore, header.Key, err)
		}
	}
}

func (t *Tape) Head(_ context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, found, err := t.seek(key, nil)
	return found, err
}

func (t *Tape) Get(_ context.Context, key string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var buf bytes.Buffer
	_, found, err := t.seek(key, &buf)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domain.ErrNotFound
	}
	return buf.Bytes(), nil
}

// Delete is refused; tape media is released by rotation, not per file.
func (t *Tape) Delete(context.Context, string) error {
	return fmt.Errorf("%w: tape archives cannot be deleted", domain.ErrIllegalTransition)
}
