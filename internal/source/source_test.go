package source

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/cmdvec/internal/errs"
)

const jsonRecords = `[
  {
    "id": 1,
    "commandName": "Get-ADTInstallDir",
    "version": "4.0",
    "description": "Returns the installation directory of an application.",
    "parameters": [{"name": "ApplicationName", "required": true}],
    "examples": [{"id": 10, "title": "Basic", "code": "Get-ADTInstallDir -ApplicationName 'Foo'"}]
  },
  {"id": "c2", "commandName": "Set-ADTRegistryKey", "isDeprecated": true}
]`

const yamlRecords = `commands:
  - id: c3
    commandName: Show-ADTInstallationPrompt
    version: "4.0"
    examples:
      - id: 30
        commandId: c3
        title: Prompt
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFileSource_JSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "commands.json")
	writeFile(t, path, jsonRecords)

	records, err := NewFileSource(path).ListCommands(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, ID("1"), first.ID)
	assert.Equal(t, "Get-ADTInstallDir", first.CommandName)
	assert.Equal(t, []string{"ApplicationName"}, first.ParameterNames())
	require.Len(t, first.Examples, 1)
	assert.Equal(t, ID("10"), first.Examples[0].ID)
	assert.Equal(t, ID("1"), first.Examples[0].CommandID, "parent id filled in")

	assert.True(t, records[1].IsDeprecated)
}

func TestFileSource_DirectoryWithIgnore(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.json"), jsonRecords)
	writeFile(t, filepath.Join(dir, "nested", "b.yaml"), yamlRecords)
	writeFile(t, filepath.Join(dir, "drafts", "c.json"), `[{"id":"draft","commandName":"Draft"}]`)
	writeFile(t, filepath.Join(dir, "notes.txt"), "not a record file")
	writeFile(t, filepath.Join(dir, IgnoreFile), "# drafts are not published\ndrafts/\n")

	src := NewFileSource(dir)
	records, err := src.ListCommands(context.Background())
	require.NoError(t, err)

	names := make([]string, 0, len(records))
	for _, r := range records {
		names = append(names, r.CommandName)
	}
	assert.ElementsMatch(t, []string{"Get-ADTInstallDir", "Set-ADTRegistryKey", "Show-ADTInstallationPrompt"}, names)

	files, err := src.Files(context.Background())
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestFileSource_ConfiguredIgnorePatterns(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.json"), jsonRecords)
	writeFile(t, filepath.Join(dir, "b.yml"), yamlRecords)

	records, err := NewFileSource(dir, "*.yml").ListCommands(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestFileSource_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewFileSource(filepath.Join(dir, "missing.json")).ListCommands(context.Background())
	assert.True(t, errs.HasCode(err, errs.CodeSourceReadFailure))

	bad := filepath.Join(dir, "bad.json")
	writeFile(t, bad, `{"commands": [`)
	_, err = NewFileSource(bad).ListCommands(context.Background())
	assert.True(t, errs.HasCode(err, errs.CodeSourceParseInvalidFormat))
}

func TestNormalizeKeepsLastDuplicate(t *testing.T) {
	in := []CommandRecord{
		{ID: "c1", CommandName: "Old"},
		{ID: "c2", CommandName: "Other"},
		{ID: "c1", CommandName: "New"},
	}
	out := normalize(in)
	require.Len(t, out, 2)
	assert.Equal(t, "New", out[0].CommandName)
	assert.Equal(t, "Other", out[1].CommandName)
}

func TestStaticReplace(t *testing.T) {
	s := NewStatic("test", []CommandRecord{{ID: "c1"}})
	s.Replace([]CommandRecord{{ID: "c2"}, {ID: "c3"}})

	records, err := s.ListCommands(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, "test", s.Name())
}

func TestExecSource(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "export.json")
	writeFile(t, path, jsonRecords)

	src := NewExecSource([]string{"cat", path}, 0)
	records, err := src.ListCommands(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, "exec:cat", src.Name())

	_, err = NewExecSource([]string{"definitely-not-a-real-binary-xyz"}, 0).ListCommands(context.Background())
	assert.True(t, errs.HasCode(err, errs.CodeSourceReadFailure))
}
