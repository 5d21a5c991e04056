// Package corpus reads and writes the correlation-rule directory tree:
//
//	<rules_dir>/correlation_<n>/tests/events_<i>_<j>.json
//	<rules_dir>/correlation_<n>/tests/norm_fields_<i>_<j>.json
//	<rules_dir>/correlation_<n>/answers.json
//	<rules_dir>/correlation_<n>/i18n/i18n_<lang>.yaml
package corpus

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// ErrUnreadableFile is returned when a corpus file cannot be read from disk.
var ErrUnreadableFile = errors.New("unreadable file")

const (
	testsDir    = "tests"
	i18nDir     = "i18n"
	answersFile = "answers.json"
)

var (
	correlationRe = regexp.MustCompile(`^correlation_(\d+)$`)
	eventsRe      = regexp.MustCompile(`^events_(\d+)_(\d+)\.json$`)
	normRe        = regexp.MustCompile(`^norm_fields_(\d+)_(\d+)\.json$`)
)

// Store is a handle on a rules directory.
type Store struct {
	root string
}

// NewStore returns a store rooted at the rules directory.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the rules directory.
func (s *Store) Root() string {
	return s.root
}

// Correlation is one correlation_<n> directory.
type Correlation struct {
	Name   string
	Number int
	Dir    string
}

// TestsDir returns the directory holding event fixtures and normalized output.
func (c Correlation) TestsDir() string {
	return filepath.Join(c.Dir, testsDir)
}

// AnswersPath returns the path of answers.json.
func (c Correlation) AnswersPath() string {
	return filepath.Join(c.Dir, answersFile)
}

// LocalizationPath returns the path of the localization file for lang.
func (c Correlation) LocalizationPath(lang string) string {
	return filepath.Join(c.Dir, i18nDir, fmt.Sprintf("i18n_%s.yaml", lang))
}

// Correlations lists correlation directories sorted by numeric suffix.
// Entries that are not directories or do not match correlation_<n> are
// ignored.
func (s *Store) Correlations() ([]Correlation, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %v", ErrUnreadableFile, s.root, err)
	}

	var out []Correlation
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := correlationRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, Correlation{
			Name:   e.Name(),
			Number: n,
			Dir:    filepath.Join(s.root, e.Name()),
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// Correlation returns the correlation with the given name, e.g. "correlation_7".
func (s *Store) Correlation(name string) (Correlation, error) {
	m := correlationRe.FindStringSubmatch(name)
	if m == nil {
		return Correlation{}, fmt.Errorf("invalid correlation name %q", name)
	}
	dir := filepath.Join(s.root, name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return Correlation{}, fmt.Errorf("%w: correlation %s not found", ErrUnreadableFile, name)
	}
	n, _ := strconv.Atoi(m[1])
	return Correlation{Name: name, Number: n, Dir: dir}, nil
}

// FileRef is a tests/ file addressed by its (group, sequence) indices. I and
// J order files; names are built from Path.
type FileRef struct {
	Path string
	I    int
	J    int
}

// NormPath returns the normalized output path for an events file. The
// indices are copied as written, so events_01_2.json maps to
// norm_fields_01_2.json and never collides with events_1_2.json.
func (f FileRef) NormPath() string {
	dir, base := filepath.Split(f.Path)
	if m := eventsRe.FindStringSubmatch(base); m != nil {
		return filepath.Join(dir, "norm_fields_"+m[1]+"_"+m[2]+".json")
	}
	return filepath.Join(dir, fmt.Sprintf("norm_fields_%d_%d.json", f.I, f.J))
}

// EventFiles lists events_<i>_<j>.json files sorted by (i, j). A missing
// tests directory yields no files.
func (c Correlation) EventFiles() ([]FileRef, error) {
	return c.listTests(eventsRe)
}

// NormFiles lists norm_fields_<i>_<j>.json files sorted by (i, j).
func (c Correlation) NormFiles() ([]FileRef, error) {
	return c.listTests(normRe)
}

func (c Correlation) listTests(re *regexp.Regexp) ([]FileRef, error) {
	dir := c.TestsDir()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %v", ErrUnreadableFile, dir, err)
	}

	var out []FileRef
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := re.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		i, err1 := strconv.Atoi(m[1])
		j, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, FileRef{Path: filepath.Join(dir, e.Name()), I: i, J: j})
	}

	sort.SliceStable(out, func(a, b int) bool {
		if out[a].I != out[b].I {
			return out[a].I < out[b].I
		}
		return out[a].J < out[b].J
	})
	return out, nil
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadableFile, path, err)
	}
	return data, nil
}

// writeAtomic writes data to a temp file in the target directory and renames
// it into place, so readers never observe a partial file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
