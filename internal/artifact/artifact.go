// Package artifact turns a firmware source (URL or upload) into a local file the programmer can read.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/ontree-co/flashnode/internal/logging"
)

// Errors returned by the fetcher
var (
	ErrInvalidExtension  = errors.New("unsupported firmware file type")
	ErrDownload          = errors.New("firmware download failed")
	ErrNoSource          = errors.New("no firmware source provided")
	ErrTooLarge          = errors.New("firmware image too large")
	ErrInsufficientSpace = errors.New("not enough free space in temporary area")
	ErrInvalidURL        = errors.New("invalid firmware URL")
)

// AllowedExtensions lists the accepted firmware file types
var AllowedExtensions = []string{".hex", ".bin"}

const (
	// ChunkSize is the buffer used when streaming a download to disk
	ChunkSize = 8 * 1024

	// DefaultMaxSize bounds a single image; the largest AVR flash is 384 KiB,
	// so this leaves ample room for Intel hex overhead.
	DefaultMaxSize = 16 << 20

	// DefaultMinFree is the free space the temporary area must keep
	DefaultMinFree = 32 << 20
)

// Artifact is a firmware image on local disk
type Artifact struct {
	Path string `json:"path"`
	// Owned marks files created by the fetcher; only those are deleted on Release
	Owned bool `json:"owned"`
}

// Permanent wraps an operator-supplied path that must never be deleted
func Permanent(path string) Artifact {
	return Artifact{Path: path, Owned: false}
}

// Release deletes the file if the fetcher created it
func (a Artifact) Release() error {
	if !a.Owned || a.Path == "" {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove temporary file %s: %w", a.Path, err)
	}
	return nil
}

// Fetcher writes firmware images into the designated temporary area
type Fetcher struct {
	dir       string
	client    *http.Client
	maxSize   int64
	minFree   uint64
	now       func() time.Time
	freeSpace func(path string) (uint64, error)
}

// NewFetcher creates a fetcher writing into dir. A nil client uses a client with a 60s timeout.
func NewFetcher(dir string, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Fetcher{
		dir:       dir,
		client:    client,
		maxSize:   DefaultMaxSize,
		minFree:   DefaultMinFree,
		now:       time.Now,
		freeSpace: diskFree,
	}
}

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Dir returns the temporary area
func (f *Fetcher) Dir() string {
	return f.dir
}

// FreeSpace reports the free bytes on the filesystem holding the temporary area
func (f *Fetcher) FreeSpace() (uint64, error) {
	if err := f.prepare(); err != nil {
		return 0, err
	}
	return f.freeSpace(f.dir)
}

func (f *Fetcher) prepare() error {
	if err := os.MkdirAll(f.dir, 0750); err != nil {
		return fmt.Errorf("failed to create temporary area: %w", err)
	}
	return nil
}

func (f *Fetcher) checkSpace() error {
	free, err := f.freeSpace(f.dir)
	if err != nil {
		// Not fatal; the write itself will fail if the disk is really full
		logging.Warnf("Could not determine free space in %s: %v", f.dir, err)
		return nil
	}
	if free < f.minFree {
		return fmt.Errorf("%w: %d bytes free in %s", ErrInsufficientSpace, free, f.dir)
	}
	return nil
}

// ValidateExtension checks that filename ends in one of AllowedExtensions
func ValidateExtension(filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range AllowedExtensions {
		if ext == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: %q (allowed: %s)", ErrInvalidExtension, filename, strings.Join(AllowedExtensions, ", "))
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// fetchedName matches the names FromUpload and FromURL give their files
var fetchedName = regexp.MustCompile(`^([0-9]{16,}_[A-Za-z0-9_.-]*|download-[0-9]+)\.(?i:hex|bin)$`)

// SanitizeFilename reduces an untrusted filename to a safe base name
func SanitizeFilename(filename string) string {
	name := strings.ReplaceAll(filename, "\\", "/")
	name = path.Base(name)
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	name = strings.TrimLeft(name, "._")
	if name == "" {
		return "firmware"
	}
	return name
}

// FromUpload stores an uploaded image as <unix-nanos>_<sanitized name> in the temporary area.
// The extension is checked before anything is written.
func (f *Fetcher) FromUpload(r io.Reader, filename string) (Artifact, error) {
	if filename == "" {
		return Artifact{}, ErrNoSource
	}
	if err := ValidateExtension(filename); err != nil {
		return Artifact{}, err
	}
	if err := f.prepare(); err != nil {
		return Artifact{}, err
	}
	if err := f.checkSpace(); err != nil {
		return Artifact{}, err
	}

	name := SanitizeFilename(filename)
	target := filepath.Join(f.dir, fmt.Sprintf("%d_%s", f.now().UnixNano(), name))

	file, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600) //nolint:gosec // target is inside the temporary area
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to create %s: %w", target, err)
	}

	artifact := Artifact{Path: target, Owned: true}
	if err := f.copyLimited(file, r); err != nil {
		_ = file.Close()
		_ = artifact.Release()
		return Artifact{}, err
	}
	if err := file.Close(); err != nil {
		_ = artifact.Release()
		return Artifact{}, fmt.Errorf("failed to write %s: %w", target, err)
	}

	return artifact, nil
}

// FromURL downloads an image into a new file in the temporary area, ChunkSize bytes at a time
func (f *Fetcher) FromURL(ctx context.Context, rawURL string) (Artifact, error) {
	if rawURL == "" {
		return Artifact{}, ErrNoSource
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return Artifact{}, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	if err := f.prepare(); err != nil {
		return Artifact{}, err
	}
	if err := f.checkSpace(); err != nil {
		return Artifact{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Artifact{}, fmt.Errorf("%w: %s returned %s", ErrDownload, rawURL, resp.Status)
	}

	suffix := ".hex"
	if strings.EqualFold(path.Ext(parsed.Path), ".bin") {
		suffix = ".bin"
	}
	file, err := os.CreateTemp(f.dir, "download-*"+suffix)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to create temporary file: %w", err)
	}

	artifact := Artifact{Path: file.Name(), Owned: true}
	if err := f.copyLimited(file, resp.Body); err != nil {
		_ = file.Close()
		_ = artifact.Release()
		if errors.Is(err, ErrTooLarge) {
			return Artifact{}, err
		}
		return Artifact{}, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	if err := file.Close(); err != nil {
		_ = artifact.Release()
		return Artifact{}, fmt.Errorf("failed to write %s: %w", artifact.Path, err)
	}

	return artifact, nil
}

// copyLimited streams src into dst in ChunkSize pieces, failing once maxSize is exceeded
func (f *Fetcher) copyLimited(dst io.Writer, src io.Reader) error {
	buf := make([]byte, ChunkSize)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			written += int64(n)
			if f.maxSize > 0 && written > f.maxSize {
				return fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.maxSize)
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write image: %w", err)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("failed to read image: %w", readErr)
		}
	}
}

// Sweep removes files the fetcher created that are older than maxAge.
// It cleans up after crashes; normal operations delete their own files.
// Anything else in the temporary area is left alone.
func (f *Fetcher) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read temporary area: %w", err)
	}

	cutoff := f.now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !fetchedName.MatchString(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(f.dir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.Warnf("Failed to remove stale artifact %s: %v", entry.Name(), err)
			continue
		}
		removed++
	}
	return removed, nil
}
