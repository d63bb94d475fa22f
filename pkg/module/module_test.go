package module

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeModule(t *testing.T, root, name, description, body string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := "---\nname: " + name + "\ndescription: " + description + "\n---\n" + body
	require.NoError(t, os.WriteFile(filepath.Join(dir, "MODULE.md"), []byte(content), 0o644))
}

func TestLoadDirDiscoversModules(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "http-probing", "HTTP surface mapping", "Probe endpoints methodically.")
	writeModule(t, root, "sql-injection", "SQLi testing guidance", "Prefer boolean-blind probes first.")

	lib, errs := LoadDir(root)
	require.Empty(t, errs)
	assert.Equal(t, []string{"http-probing", "sql-injection"}, lib.Names())
	assert.Equal(t, 2, lib.Len())

	m, err := lib.Get("http-probing")
	require.NoError(t, err)
	assert.Equal(t, "HTTP surface mapping", m.Description)
}

func TestLoadDirMissingRootYieldsEmptyLibrary(t *testing.T) {
	lib, errs := LoadDir(filepath.Join(t.TempDir(), "nope"))
	assert.Empty(t, errs)
	assert.Zero(t, lib.Len())
}

func TestLoadDirEmptyRootPathIsNoop(t *testing.T) {
	lib, errs := LoadDir("")
	assert.Empty(t, errs)
	assert.Zero(t, lib.Len())
}

func TestLoadDirRejectsNameDirMismatch(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "wrong-dir")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := "---\nname: other-name\ndescription: mismatch\n---\nbody"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "MODULE.md"), []byte(content), 0o644))

	lib, errs := LoadDir(root)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "does not match directory")
	assert.Zero(t, lib.Len())
}

func TestLoadDirBrokenFileDoesNotBlockOthers(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "good-one", "fine", "body")
	dir := filepath.Join(root, "broken")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "MODULE.md"), []byte("no frontmatter here"), 0o644))

	lib, errs := LoadDir(root)
	require.Len(t, errs, 1)
	assert.Equal(t, []string{"good-one"}, lib.Names())
}

func TestBodyIsLazyAndCached(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "lazy-mod", "lazy", "the body text")

	lib, errs := LoadDir(root)
	require.Empty(t, errs)
	m, err := lib.Get("lazy-mod")
	require.NoError(t, err)

	body, err := m.Body()
	require.NoError(t, err)
	assert.Equal(t, "the body text", body)

	// Deleting the file after the first read must not matter.
	require.NoError(t, os.Remove(m.Path))
	body, err = m.Body()
	require.NoError(t, err)
	assert.Equal(t, "the body text", body)
}

func TestValidateRejectsUnknownNames(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "known", "k", "b")

	lib, _ := LoadDir(root)
	assert.NoError(t, lib.Validate([]string{"known"}))
	err := lib.Validate([]string{"known", "mystery"})
	require.ErrorIs(t, err, ErrUnknownModule)
	assert.Contains(t, err.Error(), "available: known")
}

func TestRenderConcatenatesInRequestOrder(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "alpha", "a", "alpha body")
	writeModule(t, root, "beta", "b", "beta body")

	lib, _ := LoadDir(root)
	out, err := lib.Render([]string{"beta", "alpha"})
	require.NoError(t, err)
	assert.Contains(t, out, "## beta\nbeta body")
	assert.Contains(t, out, "## alpha\nalpha body")
	assert.Less(t, strings.Index(out, "beta"), strings.Index(out, "alpha"))
}
