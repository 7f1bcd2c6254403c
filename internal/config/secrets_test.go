package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSecret(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return path
}

func TestResolveSecret(t *testing.T) {
	const name = "UNIVERSALIS_TEST_SECRET"

	tests := []struct {
		name      string
		env       string
		file      string // file contents; "" leaves NAME_FILE unset
		emptyFile bool
		want      string
	}{
		{name: "neither set", want: ""},
		{name: "env only", env: "env-value", want: "env-value"},
		{name: "file only", file: "file-value\n", want: "file-value"},
		{name: "file wins over env", env: "env-value", file: "file-value", want: "file-value"},
		{name: "file is trimmed", file: "  spaced  \n\n", want: "spaced"},
		{name: "empty file", emptyFile: true, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(name, tt.env)
			t.Setenv(name+"_FILE", "")
			if tt.file != "" || tt.emptyFile {
				t.Setenv(name+"_FILE", writeSecret(t, tt.file))
			}

			got, err := ResolveSecret(name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveSecretUnreadableFile(t *testing.T) {
	const name = "UNIVERSALIS_TEST_SECRET"
	missing := filepath.Join(t.TempDir(), "missing")
	t.Setenv(name+"_FILE", missing)

	_, err := ResolveSecret(name)
	var sfe *SecretFileError
	require.ErrorAs(t, err, &sfe)
	assert.Equal(t, name+"_FILE", sfe.Env)
	assert.Equal(t, missing, sfe.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRequireSecret(t *testing.T) {
	const name = "UNIVERSALIS_TEST_REQUIRED"
	t.Setenv(name+"_FILE", "")

	t.Setenv(name, "")
	_, err := RequireSecret(name)
	assert.ErrorIs(t, err, ErrSecretMissing)

	t.Setenv(name, "present")
	v, err := RequireSecret(name)
	require.NoError(t, err)
	assert.Equal(t, "present", v)
}
