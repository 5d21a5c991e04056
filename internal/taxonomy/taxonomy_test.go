package taxonomy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// TestLoad_FlatAndNested verifies both file layouts and the union of keys
// across languages.
func TestLoad_FlatAndNested(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "i18n_en.yaml", `
time: Event time
subject.process.name: Process name
subject:
  account:
    name: Account name
    domain: Account domain
`)
	writeFile(t, dir, "i18n_ru.yaml", `
time: Время события
subject.process.name: Имя процесса
object.endpoint.ip: IP-адрес
`)

	tax, err := Load(dir, "en", "ru")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"object.endpoint.ip",
		"subject.account.domain",
		"subject.account.name",
		"subject.process.name",
		"time",
	}, tax.Fields())
	assert.Equal(t, 5, tax.Len())
	assert.True(t, tax.Has("subject.account.domain"))
	assert.False(t, tax.Has("subject.account"))

	desc, ok := tax.Describe("ru", "time")
	require.True(t, ok)
	assert.Equal(t, "Время события", desc)

	_, ok = tax.Describe("en", "object.endpoint.ip")
	assert.False(t, ok)
	_, ok = tax.Describe("de", "time")
	assert.False(t, ok)
}

// TestLoad_DefaultLanguages verifies en and ru are both required by default.
func TestLoad_DefaultLanguages(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "i18n_en.yaml", "time: Event time\n")

	_, err := Load(dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSchemaLoad))
	assert.Contains(t, err.Error(), "i18n_ru.yaml")
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty file", ""},
		{"sequence root", "- time\n- subject.process.name\n"},
		{"invalid yaml", "time: [unclosed\n"},
		{"empty mapping", "{}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "i18n_en.yaml", tt.content)

			_, err := Load(dir, "en")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSchemaLoad), "got %v", err)
		})
	}
}

func TestLoad_MissingDirectory(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"), "en")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSchemaLoad))
}

// TestFields_ReturnsCopy verifies callers cannot mutate the vocabulary.
func TestFields_ReturnsCopy(t *testing.T) {
	tax := New("b", "a", " ", "")
	fields := tax.Fields()
	require.Equal(t, []string{"a", "b"}, fields)

	fields[0] = "mutated"
	assert.Equal(t, []string{"a", "b"}, tax.Fields())
	assert.False(t, tax.Has("mutated"))
}
