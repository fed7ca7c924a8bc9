// Package store abstracts where published artifacts live. Exactly one
// backend is active per deployment: the local filesystem or an
// S3-compatible bucket.
package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend names.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// ErrNotFound means the key does not exist on the backend.
var ErrNotFound = errors.New("store: object not found")

// Info is the artifact fingerprint input: byte size and last
// modification time.
type Info struct {
	Size    int64
	ModTime time.Time
}

// Digests are content checksums recorded alongside a published artifact.
type Digests struct {
	SHA1   string
	SHA256 string
	SHA512 string
	CRC32  string
	CRC32C string
}

// Store is a flat keyed blob store with atomic publication.
type Store interface {
	// Backend returns the backend name, used for whitelist records.
	Backend() string
	Exists(ctx context.Context, key string) (bool, error)
	Stat(ctx context.Context, key string) (*Info, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Put publishes the file at srcPath under key. The switch from the
	// previous content to the new one is atomic for readers.
	Put(ctx context.Context, key, srcPath string, digests *Digests) error
	PutBytes(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	// SignedURL mints a time-limited download URL for key.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ComputeDigests checksums a file on disk.
func ComputeDigests(path string) (*Digests, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	defer f.Close()

	sha1h := sha1.New()
	sha256h := sha256.New()
	sha512h := sha512.New()
	crcIEEE := crc32.NewIEEE()
	crcC := crc32.New(crc32.MakeTable(crc32.Castagnoli))
	if _, err := io.Copy(io.MultiWriter(sha1h, sha256h, sha512h, crcIEEE, crcC), f); err != nil {
		return nil, fmt.Errorf("store: hashing %s: %w", path, err)
	}
	return &Digests{
		SHA1:   hex.EncodeToString(sha1h.Sum(nil)),
		SHA256: hex.EncodeToString(sha256h.Sum(nil)),
		SHA512: hex.EncodeToString(sha512h.Sum(nil)),
		CRC32:  fmt.Sprintf("%08x", crcIEEE.Sum32()),
		CRC32C: fmt.Sprintf("%08x", crcC.Sum32()),
	}, nil
}

// SignToken mints an expiring download token for a key:
// "<unix-expiry>.<hmac-sha256(key|expiry)>".
func SignToken(secret []byte, key string, expires time.Time) string {
	exp := strconv.FormatInt(expires.Unix(), 10)
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%s", key, exp)
	return exp + "." + hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken checks a download token for a key, including expiry. The
// comparison is constant time.
func VerifyToken(secret []byte, key, token string) bool {
	exp, digest, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}
	unix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil || time.Now().Unix() > unix {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%s", key, exp)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(digest), []byte(expected)) == 1
}
