package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3xpluto/go-ratelimiter/internal/api"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestValidateCommand_ExampleConfig(t *testing.T) {
	out, err := execute(t, "validate", "-c", filepath.Join("..", "..", "config", "ratelimitd.example.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "config ok")
	assert.Contains(t, out, "decision-api: tiers")
}

func TestValidateCommand_RejectsBadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("policies: [{name: a, tiers: {per_fortnight: 1}}]"), 0o644))

	_, err := execute(t, "validate", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "per_fortnight")
}

func TestCheckCommand_Policy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ratelimitd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
policies:
  - name: login
    limit: 5
    window_seconds: 60
`), 0o644))

	out, err := execute(t, "check", "-c", path, "--key", "user_1", "--policy", "login")
	require.NoError(t, err)

	var res api.CheckResponse
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(4), res.Remaining)
	assert.Equal(t, "login", res.Policy)
	assert.Equal(t, "fixed_window", res.Algorithm)
}
