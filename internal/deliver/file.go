package deliver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperifyio/kindlesender/internal/ebook"
)

const maxNameCollisions = 100

// FileDeliverer writes packages into a directory. A file is either fully
// written under its final name or not present at all.
type FileDeliverer struct {
	log zerolog.Logger
	now func() time.Time
}

func NewFileDeliverer(logger zerolog.Logger) *FileDeliverer {
	return &FileDeliverer{log: logger, now: time.Now}
}

func (f *FileDeliverer) Deliver(ctx context.Context, pkg *ebook.Package, dest Destination) (Receipt, error) {
	rec := newReceipt(dest, pkg)
	if err := dest.Validate(); err != nil {
		return failed(rec, err), err
	}
	if dest.Method != MethodFile {
		err := &Error{Kind: KindInvalidDestination, Destination: dest.String(), Err: errors.New("not a file destination")}
		return failed(rec, err), err
	}
	if err := checkPackage(pkg); err != nil {
		return failed(rec, err), err
	}
	if err := ctx.Err(); err != nil {
		werr := &Error{Kind: KindWriteFailure, Destination: dest.Dir, Err: err}
		return failed(rec, werr), werr
	}

	now := f.now()
	rec.Attempts = 1
	path, err := f.write(pkg, dest.Dir, now)
	rec.Timestamp = f.now()
	if err != nil {
		werr := &Error{Kind: KindWriteFailure, Destination: dest.Dir, Attempts: 1, Err: err}
		f.log.Error().Err(err).Str("dir", dest.Dir).Msg("file delivery failed")
		return failed(rec, werr), werr
	}
	rec.Success = true
	rec.Path = path
	rec.Destination = path
	f.log.Info().Str("path", path).Int("bytes", len(pkg.Data)).Msg("ebook written")
	return rec, nil
}

// write stores data through a temporary file in the same directory, synced
// and then moved into place.
func (f *FileDeliverer) write(pkg *ebook.Package, dir string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".kindlesender-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(pkg.Data); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return "", fmt.Errorf("chmod temp file: %w", err)
	}

	final, err := place(tmpName, dir, fileStem(pkg, now), pkg.Format.Extension())
	if err != nil {
		cleanup()
		return "", err
	}
	syncDir(dir)
	return final, nil
}

// FileName returns the name a package gets when delivered at the given time.
func FileName(pkg *ebook.Package, at time.Time) string {
	return fileStem(pkg, at) + "." + pkg.Format.Extension()
}

func fileStem(pkg *ebook.Package, at time.Time) string {
	return ebook.Slug(pkg.Title) + "-" + at.Format("20060102-150405")
}

// place moves tmp to the first free name, adding a counter when two
// deliveries of the same title land in the same second. A hard link never
// replaces an existing file, so concurrent deliveries cannot overwrite each
// other.
func place(tmp, dir, stem, ext string) (string, error) {
	for i := 0; i < maxNameCollisions; i++ {
		name := stem + "." + ext
		if i > 0 {
			name = fmt.Sprintf("%s-%d.%s", stem, i+1, ext)
		}
		p := filepath.Join(dir, name)
		err := os.Link(tmp, p)
		if err == nil {
			_ = os.Remove(tmp)
			return p, nil
		}
		if errors.Is(err, os.ErrExist) {
			continue
		}
		// filesystem without hard links
		if _, serr := os.Lstat(p); serr == nil {
			continue
		}
		if err := os.Rename(tmp, p); err != nil {
			return "", fmt.Errorf("rename into place: %w", err)
		}
		return p, nil
	}
	return "", fmt.Errorf("no free file name for %s in %s", stem, dir)
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
