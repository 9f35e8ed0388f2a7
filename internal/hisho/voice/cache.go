package voice

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidName is returned for file names the cache never produces.
var ErrInvalidName = errors.New("invalid audio file name")

var namePattern = regexp.MustCompile(`^[0-9a-f]{32}\.mp3$`)

// Cache stores synthesized audio under a name derived from the text, so each
// distinct text is synthesized once.
type Cache struct {
	dir     string
	baseURL string
	now     func() time.Time
}

// NewCache returns a Cache rooted at dir serving files under
// baseURL + "/audio/".
func NewCache(dir, baseURL string) *Cache {
	return &Cache{dir: dir, baseURL: strings.TrimRight(baseURL, "/"), now: time.Now}
}

// Name returns the file name for text.
func (c *Cache) Name(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:]) + ".mp3"
}

// Path returns the on-disk location of name, rejecting anything that is not
// a cache file name.
func (c *Cache) Path(name string) (string, error) {
	if !namePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(c.dir, name), nil
}

// URL returns the public URL of name.
func (c *Cache) URL(name string) string {
	return c.baseURL + "/audio/" + name
}

// Exists reports whether name is cached.
func (c *Cache) Exists(name string) bool {
	p, err := c.Path(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Put writes r to name atomically.
func (c *Cache) Put(name string, r io.Reader) error {
	p, err := c.Path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(c.dir, ".tts-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("write audio: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close audio: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("store audio: %w", err)
	}
	return nil
}

// Cleanup removes cached files last modified more than olderThan ago and
// returns how many were removed.
func (c *Cache) Cleanup(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read cache dir: %w", err)
	}
	cutoff := c.now().Add(-olderThan)
	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !namePattern.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

// Info reports the number of cached files and their total size.
func (c *Cache) Info() (files int, bytes int64, err error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	for _, e := range entries {
		if !namePattern.MatchString(e.Name()) {
			continue
		}
		if info, err := e.Info(); err == nil {
			files++
			bytes += info.Size()
		}
	}
	return files, bytes, nil
}
