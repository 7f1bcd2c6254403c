package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrSecretMissing is returned by RequireSecret when neither NAME nor
// NAME_FILE yields a value.
var ErrSecretMissing = errors.New("secret not set")

// SecretFileError reports a NAME_FILE that could not be read. The path is
// included; the contents never are.
type SecretFileError struct {
	Env  string
	Path string
	Err  error
}

func (e *SecretFileError) Error() string {
	return fmt.Sprintf("read secret %s=%s: %v", e.Env, e.Path, e.Err)
}

func (e *SecretFileError) Unwrap() error { return e.Err }

// ResolveSecret returns the secret named envName. NAME_FILE takes
// precedence and names a file whose trimmed contents are the value (the
// container secret mount convention); otherwise NAME itself is used. An
// unset secret is "" with no error.
func ResolveSecret(envName string) (string, error) {
	fileEnv := envName + "_FILE"
	if path := os.Getenv(fileEnv); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", &SecretFileError{Env: fileEnv, Path: path, Err: err}
		}
		return strings.TrimSpace(string(b)), nil
	}
	return os.Getenv(envName), nil
}

// RequireSecret is ResolveSecret for secrets that must be non-empty.
func RequireSecret(envName string) (string, error) {
	v, err := ResolveSecret(envName)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", fmt.Errorf("%s: %w", envName, ErrSecretMissing)
	}
	return v, nil
}
