package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lobkit/pkg/domain"
)

func writeConfig(t *testing.T, storageDriver string) string {
	t.Helper()
	dir := t.TempDir()
	doc := fmt.Sprintf(`storage:
  driver: %s
  sqlite_path: %s
blob:
  driver: fs
  fs_root: %s
log:
  level: error
product:
  version: 1.2.3
`, storageDriver, filepath.Join(dir, "lobkit.db"), filepath.Join(dir, "blobs"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lobkit.yaml"), []byte(doc), 0o600))
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(&stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestRootCommandStructure(t *testing.T) {
	root := newRootCmd(&bytes.Buffer{}, &bytes.Buffer{})
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"version", "migrate", "users", "reports"} {
		assert.True(t, names[want], "missing command %s", want)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("json"))
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "lobkit dev\n", out)
}

func TestEndToEnd(t *testing.T) {
	dir := writeConfig(t, "sqlite")

	out, err := execute(t, "--config", dir, "migrate", "--dry-run")
	require.NoError(t, err)
	assert.Equal(t, "pending access/0001_builtin_roles\n", out)

	out, err = execute(t, "--config", dir, "migrate")
	require.NoError(t, err)
	assert.Equal(t, "applied access/0001_builtin_roles\n", out)
	out, err = execute(t, "--config", dir, "migrate")
	require.NoError(t, err)
	assert.Equal(t, "nothing to apply\n", out)

	out, err = execute(t, "--config", dir, "users", "create", "ada", "--email", "ada@example.com", "--password", "correct horse", "--role", "Administrator")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "created user ada ("), out)
	_, err = execute(t, "--config", dir, "users", "create", "ADA")
	assert.ErrorIs(t, err, domain.ErrDuplicateKey)
	_, err = execute(t, "--config", dir, "users", "create", "grace", "--role", "Auditor")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	out, err = execute(t, "--config", dir, "--json", "users", "list")
	require.NoError(t, err)
	var rows []userRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "ada", rows[0].UserName)
	assert.Equal(t, "ada@example.com", rows[0].Email)
	assert.Equal(t, []string{"Administrator"}, rows[0].Roles)

	out, err = execute(t, "--config", dir, "users", "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "USER")
	assert.Contains(t, out, "Administrator")

	target := filepath.Join(t.TempDir(), "users.csv")
	out, err = execute(t, "--config", dir, "reports", "render", "--format", "csv", "--out", target)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+target)
	body, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "User,Email,Locked until,Roles\nada,ada@example.com,,Administrator\n", string(body))

	_, err = execute(t, "--config", dir, "reports", "render", "--format", "pdf")
	assert.ErrorIs(t, err, domain.ErrUnsupported)
}

func TestReportsRenderDefaultsToDefinitionFormat(t *testing.T) {
	dir := writeConfig(t, "sqlite")
	out, err := execute(t, "--config", dir, "--json", "reports", "render")
	require.NoError(t, err)
	var job struct {
		Status    string   `json:"status"`
		MimeTypes []string `json:"mime_types"`
		Artifacts []struct {
			Key string `json:"key"`
		} `json:"artifacts"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, "succeeded", job.Status)
	assert.Equal(t, []string{"text/csv"}, job.MimeTypes)
	require.Len(t, job.Artifacts, 1)
	_, err = os.Stat(filepath.Join(dir, "blobs", filepath.FromSlash(job.Artifacts[0].Key)))
	assert.NoError(t, err)
}

func TestInvalidConfig(t *testing.T) {
	dir := writeConfig(t, "oracle")
	_, err := execute(t, "--config", dir, "migrate")
	assert.ErrorContains(t, err, "unknown storage driver")
}
