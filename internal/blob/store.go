package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrInvalidKey = errors.New("invalid object key")
	ErrNotExist   = errors.New("object does not exist")
	ErrTooLarge   = errors.New("object exceeds size limit")
)

const (
	metaSuffix = ".meta"
	tmpPrefix  = ".upload-"
	maxKeyLen  = 512
)

// Object describes a stored object.
type Object struct {
	Key         string    `json:"key"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"modTime"`
}

// Store is the byte store behind signed URLs.
type Store interface {
	Put(ctx context.Context, key, contentType string, r io.Reader, maxBytes int64) (Object, error)
	Open(ctx context.Context, key string) (io.ReadCloser, Object, error)
	Stat(ctx context.Context, key string) (Object, bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]Object, error)
}

// ValidKey reports whether key is a relative slash-separated path made of
// [A-Za-z0-9._-] segments with no dot-only segment.
func ValidKey(key string) bool {
	if key == "" || len(key) > maxKeyLen || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return false
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." || strings.HasPrefix(seg, tmpPrefix) || strings.HasSuffix(seg, metaSuffix) {
			return false
		}
		for _, r := range seg {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			default:
				return false
			}
		}
	}
	return true
}

// FileStore keeps objects on local disk. Each object has a sidecar
// metadata file holding its content type.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(key string) (string, error) {
	if !ValidKey(key) {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Put writes the object atomically: readers see either the previous object
// or the complete new one.
func (s *FileStore) Put(ctx context.Context, key, contentType string, r io.Reader, maxBytes int64) (Object, error) {
	p, err := s.path(key)
	if err != nil {
		return Object{}, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return Object{}, fmt.Errorf("create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), tmpPrefix+"*")
	if err != nil {
		return Object{}, fmt.Errorf("create temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: src})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return Object{}, fmt.Errorf("write object: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		return Object{}, ErrTooLarge
	}

	obj := Object{Key: key, ContentType: contentType, Size: n, ModTime: time.Now().UTC()}
	meta, err := json.Marshal(obj)
	if err != nil {
		return Object{}, fmt.Errorf("encode object metadata: %w", err)
	}
	if err := os.WriteFile(p+metaSuffix, meta, 0o644); err != nil {
		return Object{}, fmt.Errorf("write object metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return Object{}, fmt.Errorf("commit object: %w", err)
	}
	return obj, nil
}

func (s *FileStore) Open(ctx context.Context, key string) (io.ReadCloser, Object, error) {
	obj, ok, err := s.Stat(ctx, key)
	if err != nil {
		return nil, Object{}, err
	}
	if !ok {
		return nil, Object{}, ErrNotExist
	}
	p, _ := s.path(key)
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, Object{}, ErrNotExist
		}
		return nil, Object{}, fmt.Errorf("open object: %w", err)
	}
	return f, obj, nil
}

func (s *FileStore) Stat(_ context.Context, key string) (Object, bool, error) {
	p, err := s.path(key)
	if err != nil {
		return Object{}, false, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Object{}, false, nil
	}
	if err != nil {
		return Object{}, false, fmt.Errorf("stat object: %w", err)
	}

	obj := Object{Key: key, Size: fi.Size(), ModTime: fi.ModTime().UTC(), ContentType: "application/octet-stream"}
	if b, err := os.ReadFile(p + metaSuffix); err == nil {
		var meta Object
		if json.Unmarshal(b, &meta) == nil && meta.ContentType != "" {
			obj.ContentType = meta.ContentType
		}
	}
	return obj, true, nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	if err := os.Remove(p + metaSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete object metadata: %w", err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]Object, error) {
	var out []Object
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || strings.HasSuffix(name, metaSuffix) || strings.HasPrefix(name, tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !ValidKey(key) {
			return nil
		}
		obj, ok, err := s.Stat(ctx, key)
		if err != nil || !ok {
			return err
		}
		out = append(out, obj)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	return out, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
