package mock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fallenmoon/supervisor/internal/install"
)

// Password is the RCON password of seeded installations.
const Password = "mock"

// SeedInstall writes a minimal installation for name under root, the way
// the bootstrap layer would, so the resolver can find it. An existing
// version.json is left alone.
func SeedInstall(root, name string, rconPort int) (string, error) {
	dir := filepath.Join(root, name)
	meta := filepath.Join(dir, install.MetaDir)
	if err := os.MkdirAll(meta, 0o755); err != nil {
		return "", fmt.Errorf("seeding %s: %w", name, err)
	}
	path := filepath.Join(meta, install.VersionFile)
	if _, err := os.Stat(path); err == nil {
		return dir, nil
	}
	data, err := json.MarshalIndent(map[string]any{
		"server_name":      "Mock " + name,
		"game_version":     "1.20.4",
		"platform_type":    "Paper",
		"platform_version": "mock",
		"rcon_password":    Password,
		"rcon_port":        rconPort,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("seeding %s: %w", name, err)
	}
	return dir, nil
}
