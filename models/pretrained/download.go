package pretrained

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"k8s.io/klog/v2"
)

// hashPrefix matches the torch.hub naming scheme, name-<sha256 prefix>.ext.
var hashPrefix = regexp.MustCompile(`-([a-f0-9]{8,})\.`)

// expectedHashPrefix returns the checksum prefix embedded in a file name, or
// "" when the name carries none.
func expectedHashPrefix(name string) string {
	m := hashPrefix.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return ""
	}
	return m[1]
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// fetch downloads url into dst unless dst is already present. The file is
// written to a temporary sibling and renamed once complete, so an
// interrupted download never leaves a truncated cache entry behind.
func fetch(ctx context.Context, client *http.Client, url, dst string) error {
	if exists(dst) {
		klog.V(2).InfoS("Using cached weights", "path", dst)
		return nil
	}
	if client == nil {
		client = http.DefaultClient
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	klog.InfoS("Downloading pretrained weights", "url", url, "path", dst)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".part-*")
	if err != nil {
		return fmt.Errorf("failed to create download file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hash), resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}

	if want := expectedHashPrefix(dst); want != "" {
		got := hex.EncodeToString(hash.Sum(nil))
		if !strings.HasPrefix(got, want) {
			return &ChecksumError{Path: dst, Want: want, Got: got}
		}
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to move download into cache: %w", err)
	}
	klog.InfoS("Downloaded pretrained weights", "path", dst, "bytes", n)
	return nil
}

// ChecksumError reports a download whose digest disagrees with the hash
// prefix in its file name.
type ChecksumError struct {
	Path string
	Want string
	Got  string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected prefix %s, got %s", e.Path, e.Want, e.Got)
}

// IsChecksumError reports whether err is a *ChecksumError.
func IsChecksumError(err error) bool {
	var ce *ChecksumError
	return errors.As(err, &ce)
}
