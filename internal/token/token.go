// Package token resolves the per-device gateway auth token: a 256-bit
// random value stored as 64 hex characters under the helix home directory.
// The token value is never logged.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/helix-app/helix-gateway/internal/logx"
)

const (
	// FileName is the token file under the helix home directory.
	FileName = "gateway-token"
	hexLen   = 64
)

// DefaultDir returns the helix home directory, ~/.helix.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".helix"), nil
}

// Generate returns a fresh 256-bit token as 64 hex characters.
func Generate() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// valid reports whether s looks like a token this package generated.
func valid(s string) bool {
	if len(s) != hexLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Load reads and validates the token stored in dir. It returns "" with no
// error when the file does not exist or holds an invalid value.
func Load(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read token file: %w", err)
	}
	tok := strings.TrimSpace(string(data))
	if !valid(tok) {
		logx.Log.Warn().Msg("gateway token file holds an invalid token; regenerating")
		return "", nil
	}
	return tok, nil
}

// Ensure returns the persisted token for dir, generating and storing a new
// one on first use. When persisting fails the generated token is still
// returned for session-only use, so a read-only home never blocks startup.
func Ensure(dir string) (string, error) {
	tok, err := Load(dir)
	if err != nil {
		return "", err
	}
	if tok != "" {
		return tok, nil
	}
	tok = Generate()
	if err := store(dir, tok); err != nil {
		logx.Log.Warn().Err(err).Msg("could not persist gateway token; it will not survive restart")
		return tok, nil
	}
	logx.Log.Info().Str("dir", dir).Msg("generated new gateway token")
	return tok, nil
}

func store(dir, tok string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(tok), 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}
