// Package storage persists image descriptors to the catalog directory.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
)

const recordVersion = 1

// record is the on-disk form of a descriptor.
type record struct {
	Version int              `json:"version"`
	Image   *core.Descriptor `json:"image"`
}

// Local stores one record per image under a root directory. It writes no
// side files next to the source photographs.
type Local struct {
	rootDir     string
	permissions os.FileMode
	enc         *zstd.Encoder // nil when records are stored uncompressed
	dec         *zstd.Decoder
}

// NewLocal creates a Local persister rooted at dir.
func NewLocal(dir string, perm os.FileMode, compress bool) (*Local, error) {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("local storage: mkdir %s: %w", dir, err)
	}
	l := &Local{rootDir: dir, permissions: perm}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("local storage: zstd reader: %w", err)
	}
	l.dec = dec
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("local storage: zstd writer: %w", err)
		}
		l.enc = enc
	}
	return l, nil
}

func (l *Local) absPath(id core.ImageID, compressed bool) string {
	name := strconv.FormatInt(int64(id), 10) + ".json"
	if compressed {
		name += ".zst"
	}
	return filepath.Join(l.rootDir, name)
}

// Flush writes img atomically, replacing any earlier record.
func (l *Local) Flush(ctx context.Context, img *core.Descriptor) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "local.flush", err)
	}
	data, err := json.Marshal(record{Version: recordVersion, Image: img})
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "local.flush.encode", err)
	}
	compressed := l.enc != nil
	if compressed {
		data = l.enc.EncodeAll(data, nil)
	}

	path := l.absPath(img.ID, compressed)
	tmp, err := os.CreateTemp(l.rootDir, ".record-*")
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "local.flush.open", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apperrors.Wrap(apperrors.CategoryStorage, "local.flush.write", err)
	}
	if err := tmp.Chmod(l.permissions); err != nil {
		tmp.Close()
		return apperrors.Wrap(apperrors.CategoryStorage, "local.flush.chmod", err)
	}
	if err := tmp.Close(); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "local.flush.close", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "local.flush.rename", err)
	}
	// A stale record in the other encoding would shadow this one on Load.
	_ = os.Remove(l.absPath(img.ID, !compressed))
	return nil
}

// Load reads the record of id, compressed or not.
func (l *Local) Load(ctx context.Context, id core.ImageID) (*core.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "local.load", err)
	}
	data, err := os.ReadFile(l.absPath(id, true))
	if err == nil {
		if data, err = l.dec.DecodeAll(data, nil); err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryStorage, "local.load.zstd", err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		data, err = os.ReadFile(l.absPath(id, false))
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.New(apperrors.CategoryStorage, "local.load", fmt.Errorf("%w: %d", apperrors.ErrNotFound, id))
		}
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "local.load.open", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "local.load.decode", err)
	}
	if rec.Version != recordVersion || rec.Image == nil {
		return nil, apperrors.New(apperrors.CategoryStorage, "local.load", fmt.Errorf("unsupported record version %d", rec.Version))
	}
	return rec.Image, nil
}

// Delete removes the record of id; a missing record is not an error.
func (l *Local) Delete(ctx context.Context, id core.ImageID) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "local.delete", err)
	}
	for _, compressed := range []bool{true, false} {
		if err := os.Remove(l.absPath(id, compressed)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return apperrors.Wrap(apperrors.CategoryStorage, "local.delete", err)
		}
	}
	return nil
}

// Close releases the codec state.
func (l *Local) Close() error {
	if l.enc != nil {
		if err := l.enc.Close(); err != nil {
			return err
		}
	}
	l.dec.Close()
	return nil
}

var _ core.Persister = (*Local)(nil)
