package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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
		cfgFile, envFile = "", ".env"
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "chainproxy "+version)
}

func TestRoutesCommand(t *testing.T) {
	out, err := execute(t, "routes")
	require.NoError(t, err)
	assert.Contains(t, out, "| Method | Path |")
	assert.Contains(t, out, "/v1/evm/balances/{address}")
	assert.Contains(t, out, "/beta/svm/transactions/{address}")
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: staging\n"), 0o600))

	_, err := execute(t, "serve", "--config", path, "--env-file", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration error")
}

func TestConfigPath(t *testing.T) {
	t.Setenv("CHAINPROXY_CONFIG_FILE", "/tmp/from-env.yaml")

	cfgFile = ""
	assert.Equal(t, "/tmp/from-env.yaml", configPath())

	cfgFile = "/tmp/from-flag.yaml"
	t.Cleanup(func() { cfgFile = "" })
	assert.Equal(t, "/tmp/from-flag.yaml", configPath())
}
