package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Local stores artifacts as files under a root directory. Publication
// uses rename, so readers always see either the old artifact or the new
// one, never a partial write.
type Local struct {
	root        string
	secret      []byte
	downloadURL string // base URL of the download endpoint
}

func NewLocal(root string, secret []byte, downloadURL string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating %s: %w", root, err)
	}
	return &Local{root: root, secret: secret, downloadURL: downloadURL}, nil
}

func (l *Local) Backend() string { return BackendLocal }

// path maps a key onto the root, rejecting traversal outside it.
func (l *Local) path(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("store: invalid key %q", key)
	}
	return filepath.Join(l.root, cleaned), nil
}

func (l *Local) Exists(_ context.Context, key string) (bool, error) {
	p, err := l.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: statting %s: %w", key, err)
	}
	return true, nil
}

func (l *Local) Stat(_ context.Context, key string) (*Info, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: statting %s: %w", key, err)
	}
	return &Info{Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (l *Local) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", key, err)
	}
	return f, nil
}

func (l *Local) Put(_ context.Context, key, srcPath string, _ *Digests) error {
	dst, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("store: creating parent of %s: %w", key, err)
	}
	if err := os.Rename(srcPath, dst); err == nil {
		return nil
	}
	// Rename fails across filesystems; stage a copy next to the target
	// and rename that into place instead.
	staged := dst + ".staged"
	if err := copyFile(srcPath, staged); err != nil {
		os.Remove(staged)
		return fmt.Errorf("store: staging %s: %w", key, err)
	}
	if err := os.Rename(staged, dst); err != nil {
		os.Remove(staged)
		return fmt.Errorf("store: publishing %s: %w", key, err)
	}
	os.Remove(srcPath)
	return nil
}

func (l *Local) PutBytes(_ context.Context, key string, data []byte, _ string) error {
	dst, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("store: creating parent of %s: %w", key, err)
	}
	staged := dst + ".staged"
	if err := os.WriteFile(staged, data, 0o644); err != nil {
		return fmt.Errorf("store: staging %s: %w", key, err)
	}
	if err := os.Rename(staged, dst); err != nil {
		os.Remove(staged)
		return fmt.Errorf("store: publishing %s: %w", key, err)
	}
	return nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: deleting %s: %w", key, err)
	}
	return nil
}

func (l *Local) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing %s: %w", prefix, err)
	}
	return keys, nil
}

// SignedURL points at the server's own download endpoint with an
// expiring token.
func (l *Local) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	token := SignToken(l.secret, key, time.Now().Add(ttl))
	return fmt.Sprintf("%s?action=download&key=%s&token=%s", l.downloadURL, url.QueryEscape(key), url.QueryEscape(token)), nil
}

// VerifyToken checks a token minted by SignedURL.
func (l *Local) VerifyToken(key, token string) bool {
	return VerifyToken(l.secret, key, token)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
