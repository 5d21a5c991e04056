package corpus

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/corrforge/internal/event"
	"github.com/lvonguyen/corrforge/internal/mitre"
	"github.com/lvonguyen/corrforge/internal/normalization"
)

const sysmonEvent = `{
	"System": {
		"Provider": {"Name": "Microsoft-Windows-Sysmon"},
		"EventID": 1,
		"Computer": "WS01"
	},
	"EventData": {"Data": [{"Name": "Image", "text": "C:\\Windows\\cmd.exe"}]}
}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newTree builds a rules directory with a few correlations.
func newTree(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()

	for _, name := range []string{"correlation_10", "correlation_2", "correlation_1"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0o755))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "notes"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "correlation_x"), 0o755))
	writeFile(t, filepath.Join(root, "correlation_3"), "not a directory")

	tests := filepath.Join(root, "correlation_2", "tests")
	writeFile(t, filepath.Join(tests, "events_2_1.json"), sysmonEvent)
	writeFile(t, filepath.Join(tests, "events_1_10.json"), sysmonEvent)
	writeFile(t, filepath.Join(tests, "events_1_2.json"), sysmonEvent)
	writeFile(t, filepath.Join(tests, "readme.txt"), "ignored")

	return NewStore(root)
}

// =============================================================================
// Layout Tests
// =============================================================================

func TestCorrelations_SortedNumerically(t *testing.T) {
	s := newTree(t)

	corrs, err := s.Correlations()
	require.NoError(t, err)

	var names []string
	for _, c := range corrs {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"correlation_1", "correlation_2", "correlation_10"}, names)
	assert.Equal(t, 10, corrs[2].Number)
}

func TestCorrelations_MissingRoot(t *testing.T) {
	_, err := NewStore(filepath.Join(t.TempDir(), "missing")).Correlations()
	assert.True(t, errors.Is(err, ErrUnreadableFile))
}

func TestCorrelation_ByName(t *testing.T) {
	s := newTree(t)

	c, err := s.Correlation("correlation_2")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Number)
	assert.Equal(t, filepath.Join(s.Root(), "correlation_2", "answers.json"), c.AnswersPath())
	assert.Equal(t, filepath.Join(s.Root(), "correlation_2", "i18n", "i18n_ru.yaml"), c.LocalizationPath("ru"))

	_, err = s.Correlation("correlation_99")
	assert.True(t, errors.Is(err, ErrUnreadableFile))

	_, err = s.Correlation("../etc")
	assert.Error(t, err)
}

func TestEventFiles_Order(t *testing.T) {
	c, err := newTree(t).Correlation("correlation_2")
	require.NoError(t, err)

	files, err := c.EventFiles()
	require.NoError(t, err)
	require.Len(t, files, 3)

	assert.Equal(t, [2]int{1, 2}, [2]int{files[0].I, files[0].J})
	assert.Equal(t, [2]int{1, 10}, [2]int{files[1].I, files[1].J})
	assert.Equal(t, [2]int{2, 1}, [2]int{files[2].I, files[2].J})
	assert.Equal(t, filepath.Join(c.TestsDir(), "norm_fields_1_10.json"), files[1].NormPath())
}

func TestEventFiles_NormPathKeepsIndexSpelling(t *testing.T) {
	root := t.TempDir()
	tests := filepath.Join(root, "correlation_1", "tests")
	writeFile(t, filepath.Join(tests, "events_01_02.json"), sysmonEvent)
	writeFile(t, filepath.Join(tests, "events_1_2.json"), sysmonEvent)

	c, err := NewStore(root).Correlation("correlation_1")
	require.NoError(t, err)
	files, err := c.EventFiles()
	require.NoError(t, err)
	require.Len(t, files, 2)

	var outputs []string
	for _, f := range files {
		assert.Equal(t, [2]int{1, 2}, [2]int{f.I, f.J})
		outputs = append(outputs, filepath.Base(f.NormPath()))
	}
	assert.ElementsMatch(t, []string{"norm_fields_01_02.json", "norm_fields_1_2.json"}, outputs)

	// Removing one file's output leaves its sibling's in place.
	for _, f := range files {
		writeFile(t, f.NormPath(), "{}")
	}
	require.NoError(t, RemoveNormalized(files[0]))
	_, err = os.Stat(files[1].NormPath())
	assert.NoError(t, err)
}

func TestEventFiles_NoTestsDir(t *testing.T) {
	c, err := newTree(t).Correlation("correlation_1")
	require.NoError(t, err)

	files, err := c.EventFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
}

// =============================================================================
// Records Tests
// =============================================================================

func TestReadEvents(t *testing.T) {
	c, err := newTree(t).Correlation("correlation_2")
	require.NoError(t, err)
	files, err := c.EventFiles()
	require.NoError(t, err)

	events, err := ReadEvents(files[0].Path)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "1", events[0].System.EventID)

	bad := filepath.Join(c.TestsDir(), "events_9_9.json")
	writeFile(t, bad, `{"EventData": {}}`)
	_, err = ReadEvents(bad)
	assert.True(t, errors.Is(err, event.ErrMalformedInput))

	_, err = ReadEvents(filepath.Join(c.TestsDir(), "events_8_8.json"))
	assert.True(t, errors.Is(err, ErrUnreadableFile))
}

func TestWriteRecords_SingleObject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tests", "norm_fields_1_1.json")

	rec := normalization.Record{
		"subject.process.cmdline": "cmd.exe /c echo <a> & <b>",
		"event_src.id":            "1",
	}
	require.NoError(t, WriteRecords(path, []normalization.Record{rec}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"event_src.id\": \"1\",\n  \"subject.process.cmdline\": \"cmd.exe /c echo <a> & <b>\"\n}\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	got, err := ReadRecords(path)
	require.NoError(t, err)
	assert.Equal(t, []normalization.Record{rec}, got)
}

func TestWriteRecords_Array(t *testing.T) {
	path := filepath.Join(t.TempDir(), "norm.json")
	recs := []normalization.Record{{"event_src.id": "1"}, {"event_src.id": "3"}}

	require.NoError(t, WriteRecords(path, recs))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, byte('['), data[0])

	got, err := ReadRecords(path)
	require.NoError(t, err)
	assert.Equal(t, recs, got)

	assert.Error(t, WriteRecords(path, nil))
}

func TestWriteRecords_NoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "norm.json")
	require.NoError(t, WriteRecords(path, []normalization.Record{{"a": "1"}}))
	require.NoError(t, WriteRecords(path, []normalization.Record{{"a": "2"}}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "norm.json", entries[0].Name())
}

func TestReadNormalized_Groups(t *testing.T) {
	c, err := newTree(t).Correlation("correlation_2")
	require.NoError(t, err)

	dir := c.TestsDir()
	require.NoError(t, WriteRecords(filepath.Join(dir, "norm_fields_2_1.json"), []normalization.Record{{"n": "2.1"}}))
	require.NoError(t, WriteRecords(filepath.Join(dir, "norm_fields_1_2.json"), []normalization.Record{{"n": "1.2"}}))
	require.NoError(t, WriteRecords(filepath.Join(dir, "norm_fields_1_1.json"), []normalization.Record{{"n": "1.1a"}, {"n": "1.1b"}}))

	groups, err := c.ReadNormalized()
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, 1, groups[0].I)
	assert.Len(t, groups[0].Records, 3)
	assert.Equal(t, 2, groups[1].I)

	var order []string
	for _, r := range Flatten(groups) {
		order = append(order, r["n"])
	}
	assert.Equal(t, []string{"1.1a", "1.1b", "1.2", "2.1"}, order)
}

func TestRemoveNormalized(t *testing.T) {
	dir := t.TempDir()
	ref := FileRef{Path: filepath.Join(dir, "events_1_1.json"), I: 1, J: 1}

	require.NoError(t, RemoveNormalized(ref), "missing output is not an error")

	writeFile(t, ref.NormPath(), "{}")
	require.NoError(t, RemoveNormalized(ref))
	_, err := os.Stat(ref.NormPath())
	assert.True(t, os.IsNotExist(err))
}

// =============================================================================
// Answers and Localization Tests
// =============================================================================

func TestAnswers(t *testing.T) {
	c, err := newTree(t).Correlation("correlation_1")
	require.NoError(t, err)
	assert.False(t, c.HasAnswers())

	cls := mitre.Classification{
		Tactic:     "Defense Evasion",
		Technique:  "Obfuscated Files or Information",
		Importance: mitre.ImportanceMedium,
	}
	require.NoError(t, c.WriteAnswers(cls))
	assert.True(t, c.HasAnswers())

	data, err := os.ReadFile(c.AnswersPath())
	require.NoError(t, err)
	assert.JSONEq(t, `{"tactic":"Defense Evasion","technique":"Obfuscated Files or Information","importance":"medium"}`, string(data))

	got, err := c.ReadAnswers()
	require.NoError(t, err)
	assert.Equal(t, cls, got)
}

func TestReadAnswers_Malformed(t *testing.T) {
	c, err := newTree(t).Correlation("correlation_1")
	require.NoError(t, err)

	writeFile(t, c.AnswersPath(), "{")
	_, err = c.ReadAnswers()
	assert.True(t, errors.Is(err, event.ErrMalformedInput))
}

func TestLocalization(t *testing.T) {
	c, err := newTree(t).Correlation("correlation_1")
	require.NoError(t, err)

	assert.False(t, c.HasLocalization())
	assert.False(t, c.HasLocalization("en"))

	require.NoError(t, c.WriteLocalization("en", []byte("Description: x\n")))
	assert.True(t, c.HasLocalization("en"))
	assert.False(t, c.HasLocalization("en", "ru"))

	data, err := c.ReadLocalization("en")
	require.NoError(t, err)
	assert.Equal(t, "Description: x\n", string(data))

	_, err = c.ReadLocalization("ru")
	assert.True(t, errors.Is(err, ErrUnreadableFile))
}
