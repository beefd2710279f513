//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// keychainExec reads a secret from the local secrets file, mirroring the
// macOS Keychain lookup by service and account. The file is a JSON object of
// service -> account -> value.
func keychainExec(service, account string) ([]byte, error) {
	path := filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "mailgauge", "secrets.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secret store not available: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	val, ok := secrets[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret for %s/%s", service, account)
	}
	return []byte(val), nil
}
