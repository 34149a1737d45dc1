package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/h2non/filetype"
	"github.com/sirupsen/logrus"

	"soulqueue/internal/domain"
)

var ErrSourceMissing = errors.New("downloaded file not found")

type OrganizerConfig struct {
	// DownloadRoot is where the transfer daemon writes finished files.
	DownloadRoot string
	LibraryRoot  string
	// Bucket enables archiving organized files when non-empty.
	Bucket    string
	KeyPrefix string
	Logger    *logrus.Logger
}

// LibraryOrganizer moves completed downloads into the library layout
// <library>/<Artist>/<Album>/<NN - Title>.<ext> and optionally archives them.
type LibraryOrganizer struct {
	cfg     OrganizerConfig
	archive Service
}

func NewLibraryOrganizer(cfg OrganizerConfig, archive Service) (*LibraryOrganizer, error) {
	if strings.TrimSpace(cfg.DownloadRoot) == "" {
		return nil, fmt.Errorf("download root is required")
	}
	if strings.TrimSpace(cfg.LibraryRoot) == "" {
		return nil, fmt.Errorf("library root is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Bucket == "" {
		archive = nil
	}
	return &LibraryOrganizer{cfg: cfg, archive: archive}, nil
}

func (o *LibraryOrganizer) Organize(ctx context.Context, item *domain.DownloadItem) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	logger := o.cfg.Logger.WithField("item_id", item.ID)

	src, err := o.locate(item.FilePath())
	if err != nil {
		return "", err
	}

	ext := detectExtension(src)
	rel := LibraryPath(item.Artist, item.Album, item.Title, item.TrackNumber, ext)
	dest, err := uniquePath(filepath.Join(o.cfg.LibraryRoot, rel))
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create library dir: %w", err)
	}
	if err := os.Rename(src, dest); err != nil {
		if copyErr := copyFile(src, dest); copyErr != nil {
			return "", fmt.Errorf("move into library: %w", copyErr)
		}
		if removeErr := os.Remove(src); removeErr != nil && !os.IsNotExist(removeErr) {
			logger.Warnf("remove original file after copy: %v", removeErr)
		}
	}
	logger.Infof("organized %s", dest)

	if o.archive != nil {
		key := path.Join(strings.Trim(o.cfg.KeyPrefix, "/"), filepath.ToSlash(rel))
		progressLogger := newUploadProgressLogger(logger)
		uri, err := o.archive.UploadFile(ctx, dest, key, UploadOptions{
			Bucket:           o.cfg.Bucket,
			ProgressCallback: progressLogger,
		})
		if err != nil {
			logger.Warnf("archive organized file: %v", err)
		} else {
			logger.Infof("archived to %s", uri)
		}
	}
	return dest, nil
}

// locate finds the local copy of a remote file. The daemon stores files
// under the last directory of the remote path, so that is tried first, then
// the bare name, then a case-insensitive search of the whole root.
func (o *LibraryOrganizer) locate(remotePath string) (string, error) {
	base := domain.BaseName(remotePath)
	if base == "" {
		return "", fmt.Errorf("%w: empty remote path", ErrSourceMissing)
	}

	var candidates []string
	if parent := remoteParent(remotePath); parent != "" {
		candidates = append(candidates, filepath.Join(o.cfg.DownloadRoot, parent, base))
	}
	candidates = append(candidates, filepath.Join(o.cfg.DownloadRoot, base))
	for _, c := range candidates {
		if fi, err := os.Stat(c); err == nil && fi.Mode().IsRegular() {
			return c, nil
		}
	}

	var found string
	err := filepath.WalkDir(o.cfg.DownloadRoot, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() && strings.EqualFold(d.Name(), base) {
			found = p
			return fs.SkipAll
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("search download root: %w", err)
	}
	if found == "" {
		return "", fmt.Errorf("%w: %s", ErrSourceMissing, base)
	}
	return found, nil
}

func remoteParent(remotePath string) string {
	trimmed := strings.TrimRight(remotePath, `/\`)
	i := strings.LastIndexAny(trimmed, `/\`)
	if i <= 0 {
		return ""
	}
	return domain.BaseName(trimmed[:i])
}

// LibraryPath builds the relative library location for a track.
func LibraryPath(artist, album, title string, track *int, ext string) string {
	name := sanitize(title, "Unknown Title")
	if track != nil && *track > 0 {
		name = fmt.Sprintf("%02d - %s", *track, name)
	}
	if ext != "" {
		name += "." + strings.TrimPrefix(ext, ".")
	}
	return filepath.Join(sanitize(artist, "Unknown Artist"), sanitize(album, "Unknown Album"), name)
}

var unsafeChars = strings.NewReplacer(
	"/", "_", `\`, "_", ":", "_", "*", "_", "?", "_",
	`"`, "_", "<", "_", ">", "_", "|", "_",
)

func sanitize(s, fallback string) string {
	s = strings.Trim(strings.TrimSpace(unsafeChars.Replace(s)), ".")
	if s == "" {
		return fallback
	}
	return s
}

// detectExtension prefers the sniffed container type over the remote name.
func detectExtension(p string) string {
	if kind, err := filetype.MatchFile(p); err == nil && kind != filetype.Unknown {
		return kind.Extension
	}
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(p), "."))
}

func uniquePath(p string) (string, error) {
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return p, nil
	}
	ext := filepath.Ext(p)
	stem := strings.TrimSuffix(p, ext)
	for i := 2; i < 100; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free library name for %s", p)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy file: %w", err)
	}

	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("sync destination: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	return nil
}

func newUploadProgressLogger(logger *logrus.Entry) func(done, total int64) {
	var lastLog time.Time
	return func(done, total int64) {
		now := time.Now()
		if now.Sub(lastLog) < 500*time.Millisecond && done != total {
			return
		}
		lastLog = now
		if total == 0 {
			logger.Debugf("archive progress: %s uploaded", FormatBytes(done))
			return
		}
		percent := float64(done) / float64(total) * 100
		logger.Debugf("archive progress: %.1f%% (%s/%s)", percent, FormatBytes(done), FormatBytes(total))
	}
}

func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB",
		float64(b)/float64(div),
		"KMGTPE"[exp],
	)
}
