// Package packaging bundles a processed rules directory into a zip archive.
package packaging

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/lvonguyen/corrforge/internal/corpus"
)

// ErrMissingEntry marks a required archive entry that is absent.
var ErrMissingEntry = errors.New("archive entry missing")

// Result summarizes a written archive.
type Result struct {
	Path    string
	Entries []string
	Bytes   int64
}

// Packager writes archives of a corpus store.
type Packager struct {
	store  *corpus.Store
	logger *zap.Logger
}

// New creates a Packager.
func New(store *corpus.Store, logger *zap.Logger) *Packager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Packager{store: store, logger: logger}
}

// Archive writes answers.json, i18n/*.yaml and tests/*.json of every
// correlation to out. Entry names are relative to the parent of the rules
// directory, so they start with the rules directory's own name.
func (p *Packager) Archive(out string) (*Result, error) {
	files, err := p.collect()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", filepath.Dir(out), err)
	}
	f, err := os.Create(out)
	if err != nil {
		return nil, fmt.Errorf("creating archive %s: %w", out, err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	base := filepath.Dir(filepath.Clean(p.store.Root()))

	res := &Result{Path: out}
	for _, file := range files {
		rel, err := filepath.Rel(base, file)
		if err != nil {
			return nil, fmt.Errorf("archiving %s: %w", file, err)
		}
		name := filepath.ToSlash(rel)
		if err := addFile(zw, file, name); err != nil {
			return nil, err
		}
		res.Entries = append(res.Entries, name)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing archive %s: %w", out, err)
	}
	if info, err := f.Stat(); err == nil {
		res.Bytes = info.Size()
	}

	p.logger.Info("Archive written",
		zap.String("path", out),
		zap.Int("entries", len(res.Entries)),
		zap.Int64("bytes", res.Bytes),
	)
	return res, nil
}

func (p *Packager) collect() ([]string, error) {
	corrs, err := p.store.Correlations()
	if err != nil {
		return nil, err
	}

	var files []string
	for _, c := range corrs {
		if c.HasAnswers() {
			files = append(files, c.AnswersPath())
		}

		i18n, err := filepath.Glob(filepath.Join(c.Dir, "i18n", "*.yaml"))
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", c.Name, err)
		}
		sort.Strings(i18n)
		files = append(files, i18n...)

		tests, err := filepath.Glob(filepath.Join(c.TestsDir(), "*.json"))
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", c.Name, err)
		}
		sort.Strings(tests)
		files = append(files, tests...)
	}
	return files, nil
}

func addFile(zw *zip.Writer, src, name string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", corpus.ErrUnreadableFile, src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", corpus.ErrUnreadableFile, src, err)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("archiving %s: %w", src, err)
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("archiving %s: %w", src, err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("archiving %s: %w", src, err)
	}
	return nil
}

// Required returns the entries a complete archive holds for the current
// corpus: per correlation, answers.json, one localization per language and
// every events file with its normalized output.
func (p *Packager) Required(languages []string) ([]string, error) {
	corrs, err := p.store.Correlations()
	if err != nil {
		return nil, err
	}

	root := filepath.Base(filepath.Clean(p.store.Root()))
	var entries []string
	for _, c := range corrs {
		prefix := path.Join(root, c.Name)
		entries = append(entries, path.Join(prefix, "answers.json"))
		for _, lang := range languages {
			entries = append(entries, path.Join(prefix, "i18n", "i18n_"+lang+".yaml"))
		}

		files, err := c.EventFiles()
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			entries = append(entries,
				path.Join(prefix, "tests", filepath.Base(f.Path)),
				path.Join(prefix, "tests", filepath.Base(f.NormPath())),
			)
		}
	}
	return entries, nil
}

// Verify opens an archive and returns the required entries it lacks.
func Verify(archive string, required []string) ([]string, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", corpus.ErrUnreadableFile, archive, err)
	}
	defer zr.Close()

	have := make(map[string]bool, len(zr.File))
	for _, f := range zr.File {
		have[f.Name] = true
	}

	var missing []string
	for _, name := range required {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	return missing, nil
}
