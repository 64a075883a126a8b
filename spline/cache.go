package spline

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	"lukechampine.com/blake3"
)

const (
	packagedAsset  = "spline.bin"
	laneFilesGlob  = "*.lanes.json"
	assetSubdir    = "ai"
	cacheExtension = ".bin"
)

// OpenFile maps an asset file and validates it.
func OpenFile(path string) (*Index, error) {
	data, release, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	x, err := Open(data, release)
	if err != nil {
		if release != nil {
			release()
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return x, nil
}

// Source describes where the spline of a track comes from.
type Source struct {
	Key       string
	Packaged  string   // path of ai/spline.bin, empty when absent
	LaneFiles []string // sorted ai/*.lanes.json, used when Packaged is empty
}

// Resolve finds the asset inputs of trackDir and computes their cache key.
func Resolve(trackDir string, twoWay bool) (Source, error) {
	st, err := os.Stat(trackDir)
	if err != nil || !st.IsDir() {
		return Source{}, fmt.Errorf("%w: %s", ErrTrackNotFound, trackDir)
	}
	aiDir := filepath.Join(trackDir, assetSubdir)

	packaged := filepath.Join(aiDir, packagedAsset)
	if _, err := os.Stat(packaged); err == nil {
		sum, err := hashFile(packaged)
		if err != nil {
			return Source{}, err
		}
		return Source{Key: hex.EncodeToString(sum), Packaged: packaged}, nil
	}

	files, err := filepath.Glob(filepath.Join(aiDir, laneFilesGlob))
	if err != nil {
		return Source{}, err
	}
	if len(files) == 0 {
		return Source{}, fmt.Errorf("%w: no %s or %s in %s", ErrTrackNotFound, packagedAsset, laneFilesGlob, aiDir)
	}
	sort.Strings(files)

	// Hash chain: each link covers the previous digest, the file name and its contents.
	var chain []byte
	for _, f := range files {
		sum, err := hashFile(f)
		if err != nil {
			return Source{}, err
		}
		h := blake3.New(32, nil)
		h.Write(chain)
		h.Write([]byte(filepath.Base(f)))
		h.Write(sum)
		chain = h.Sum(nil)
	}
	h := blake3.New(32, nil)
	h.Write(chain)
	if twoWay {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	return Source{Key: hex.EncodeToString(h.Sum(nil)), LaneFiles: files}, nil
}

func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}
	return h.Sum(nil), nil
}

// LoadOrBuild returns the index of trackDir. A packaged asset is mapped directly and
// must be valid. Otherwise the cached build <cacheDir>/<key>.bin is reused; a cache
// entry that fails validation is discarded and rebuilt once.
func LoadOrBuild(trackDir, cacheDir string, opts BuildOptions) (*Index, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	log := opts.Log

	src, err := Resolve(trackDir, opts.TwoWay)
	if err != nil {
		return nil, err
	}
	if src.Packaged != "" {
		x, err := OpenFile(src.Packaged)
		if err != nil {
			return nil, fmt.Errorf("packaged spline: %w", err)
		}
		log.Info("Spline: loaded packaged asset", zap.String("path", src.Packaged), zap.String("key", src.Key))
		return x, nil
	}

	cached := filepath.Join(cacheDir, src.Key+cacheExtension)
	if _, err := os.Stat(cached); err == nil {
		x, err := OpenFile(cached)
		if err == nil {
			log.Info("Spline: loaded cached asset", zap.String("path", cached), zap.Int("points", x.PointCount()))
			return x, nil
		}
		log.Warn("Spline: discarding invalid cache entry", zap.String("path", cached), zap.Error(err))
		if rmErr := os.Remove(cached); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale cache %s: %w", cached, rmErr)
		}
	}

	s, err := buildFromFiles(src.LaneFiles, opts)
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(cached, s); err != nil {
		return nil, err
	}
	x, err := OpenFile(cached)
	if err != nil {
		return nil, fmt.Errorf("regenerated spline: %w", err)
	}
	log.Info("Spline: built and cached asset", zap.String("path", cached), zap.Int("points", x.PointCount()))
	return x, nil
}

func buildFromFiles(files []string, opts BuildOptions) (*Spline, error) {
	b := NewBuilder(opts)
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		err = b.AddFile(filepath.Base(path), f)
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	return b.Build()
}

// writeAtomic writes s next to path and renames it into place.
func writeAtomic(path string, s *Spline) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".spline-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := Write(tmp, s); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// WriteFile serializes s to path.
func WriteFile(path string, s *Spline) error {
	return writeAtomic(path, s)
}
