package storage

import (
	"io"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir(), "test-secret", "http://localhost:8080")
}

func TestUploadAndOpen(t *testing.T) {
	s := newTestStore(t)
	if err := s.Upload("images", "event/fall.png", strings.NewReader("png-bytes")); err != nil {
		t.Fatal(err)
	}
	r, err := s.Open("images", "event/fall.png")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	if string(data) != "png-bytes" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestListWithPrefix(t *testing.T) {
	s := newTestStore(t)
	for _, k := range []string{"event/a.png", "event/b.png", "desc/a.txt"} {
		if err := s.Upload("images", k, strings.NewReader("x")); err != nil {
			t.Fatal(err)
		}
	}
	keys, err := s.List("images", "event/")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "event/a.png" || keys[1] != "event/b.png" {
		t.Fatalf("unexpected keys %v", keys)
	}
	all, err := s.List("images", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("unexpected keys %v", all)
	}
}

func TestListMissingBucket(t *testing.T) {
	s := newTestStore(t)
	keys, err := s.List("nope", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected empty, got %v", keys)
	}
}

func TestBuckets(t *testing.T) {
	s := newTestStore(t)
	for _, b := range []string{"exports", "images"} {
		if err := s.CreateBucket(b); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.ListBuckets()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "exports" || got[1] != "images" {
		t.Fatalf("unexpected buckets %v", got)
	}
}

func TestSignedURLRoundTrip(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }

	if err := s.Upload("exports", "build-1.zip", strings.NewReader("zip")); err != nil {
		t.Fatal(err)
	}
	signed, err := s.CreateSignedURL("exports", "build-1.zip", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(signed)
	if err != nil {
		t.Fatal(err)
	}
	exp, err := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	if err != nil {
		t.Fatal(err)
	}
	if want := now.Add(time.Hour).Unix(); exp != want {
		t.Fatalf("expiry = %d, want %d", exp, want)
	}
	sig := u.Query().Get("signature")
	if err := s.VerifySignature("exports", "build-1.zip", exp, sig); err != nil {
		t.Fatalf("fresh signature rejected: %v", err)
	}

	// Past expiry the same signature is refused.
	s.Now = func() time.Time { return now.Add(time.Hour + time.Second) }
	if err := s.VerifySignature("exports", "build-1.zip", exp, sig); err == nil {
		t.Fatal("expired signature accepted")
	}

	s.Now = func() time.Time { return now }
	if err := s.VerifySignature("exports", "other.zip", exp, sig); err == nil {
		t.Fatal("signature accepted for wrong key")
	}
}

func TestSignedURLMissingObject(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateSignedURL("exports", "ghost.zip", time.Hour); err == nil {
		t.Fatal("expected error for missing object")
	}
}

func TestInvalidNames(t *testing.T) {
	s := newTestStore(t)
	if err := s.Upload("../oops", "k", strings.NewReader("x")); err == nil {
		t.Fatal("bucket traversal accepted")
	}
	if err := s.Upload("images", "../../etc/passwd", strings.NewReader("x")); err == nil {
		t.Fatal("key traversal accepted")
	}
}
