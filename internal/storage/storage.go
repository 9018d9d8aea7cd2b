// Package storage is a filesystem-backed object store with bucket
// semantics and HMAC-signed download URLs.
package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Store writes objects under Root/<bucket>/<key> and signs URLs with
// Secret. Now is swappable for tests.
type Store struct {
	Root    string
	Secret  []byte
	BaseURL string
	Now     func() time.Time
}

func New(root, secret, baseURL string) *Store {
	return &Store{Root: root, Secret: []byte(secret), BaseURL: strings.TrimRight(baseURL, "/"), Now: time.Now}
}

// CreateBucket ensures the bucket directory exists.
func (s *Store) CreateBucket(bucket string) error {
	if err := validName(bucket); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(s.Root, bucket), 0o755)
}

// ListBuckets returns bucket names in lexical order.
func (s *Store) ListBuckets() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Upload stores an object, creating the bucket if needed. Keys may
// contain forward slashes for folder-like grouping.
func (s *Store) Upload(bucket, key string, r io.Reader) error {
	if err := validName(bucket); err != nil {
		return err
	}
	if err := validKey(key); err != nil {
		return err
	}
	dst := filepath.Join(s.Root, bucket, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// Open returns a reader for a stored object.
func (s *Store) Open(bucket, key string) (io.ReadCloser, error) {
	if err := validName(bucket); err != nil {
		return nil, err
	}
	if err := validKey(key); err != nil {
		return nil, err
	}
	return os.Open(filepath.Join(s.Root, bucket, filepath.FromSlash(key)))
}

// Exists reports whether the object is present.
func (s *Store) Exists(bucket, key string) (bool, error) {
	if err := validName(bucket); err != nil {
		return false, err
	}
	if err := validKey(key); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(s.Root, bucket, filepath.FromSlash(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns object keys under a bucket, optionally restricted to a
// key prefix, in lexical order.
func (s *Store) List(bucket, prefix string) ([]string, error) {
	if err := validName(bucket); err != nil {
		return nil, err
	}
	root := filepath.Join(s.Root, bucket)
	var keys []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == root {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// CreateSignedURL returns a time-limited download URL for an object.
// The signature covers bucket, key and expiry.
func (s *Store) CreateSignedURL(bucket, key string, ttl time.Duration) (string, error) {
	ok, err := s.Exists(bucket, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("object %s/%s not found", bucket, key)
	}
	exp := s.Now().Add(ttl).Unix()
	sig := s.sign(bucket, key, exp)
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(exp, 10))
	q.Set("signature", sig)
	return fmt.Sprintf("%s/v1/objects/%s/%s?%s", s.BaseURL, bucket, path.Clean(key), q.Encode()), nil
}

// VerifySignature checks a signed URL's expiry and signature.
func (s *Store) VerifySignature(bucket, key string, expires int64, signature string) error {
	if s.Now().Unix() > expires {
		return fmt.Errorf("signed url expired")
	}
	want := s.sign(bucket, key, expires)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func (s *Store) sign(bucket, key string, expires int64) string {
	mac := hmac.New(sha256.New, s.Secret)
	fmt.Fprintf(mac, "%s\n%s\n%d", bucket, key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func validName(bucket string) error {
	if bucket == "" || strings.ContainsAny(bucket, "/\\.") {
		return fmt.Errorf("invalid bucket name %q", bucket)
	}
	return nil
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("invalid object key %q", key)
	}
	return nil
}
