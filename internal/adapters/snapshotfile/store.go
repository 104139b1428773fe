// Package snapshotfile stocke le snapshot du registre dans un fichier unique:
// CBOR déterministe compressé en zstd, réécrit via fichier temporaire + rename.
package snapshotfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
	"github.com/Guilhem-Bonnet/feedwatch/internal/ports"
)

const formatVersion = 1

var magic = []byte("FWS1")

type image struct {
	Version  int             `cbor:"version"`
	Snapshot domain.Snapshot `cbor:"snapshot"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("snapshotfile: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("snapshotfile: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("snapshotfile: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("snapshotfile: zstd decoder initialization failed: " + err.Error())
	}
}

type Store struct {
	path string
	mu   sync.Mutex
}

func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("snapshotfile: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{path: path}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error { return nil }

func (s *Store) Save(ctx context.Context, snap domain.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load renvoie ports.ErrNotFound si le fichier n'existe pas encore.
func (s *Store) Load(ctx context.Context) (domain.Snapshot, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Snapshot{}, ports.ErrNotFound
		}
		return domain.Snapshot{}, err
	}
	return Decode(data)
}

func Encode(snap domain.Snapshot) ([]byte, error) {
	raw, err := encMode.Marshal(image{Version: formatVersion, Snapshot: snap})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	out := append([]byte{}, magic...)
	return zstdEncoder.EncodeAll(raw, out), nil
}

func Decode(data []byte) (domain.Snapshot, error) {
	if !bytes.HasPrefix(data, magic) {
		return domain.Snapshot{}, errors.New("snapshotfile: not a snapshot file")
	}
	raw, err := zstdDecoder.DecodeAll(data[len(magic):], nil)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("zstd decompress: %w", err)
	}
	var img image
	if err := decMode.Unmarshal(raw, &img); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if img.Version != formatVersion {
		return domain.Snapshot{}, fmt.Errorf("snapshotfile: unsupported version %d", img.Version)
	}
	return img.Snapshot, nil
}
