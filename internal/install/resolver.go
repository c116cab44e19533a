// Package install reads what the bootstrap layer wrote about a server
// installation and turns it into a session descriptor. It never writes.
package install

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fallenmoon/supervisor/internal/session"
)

// MetaDir and VersionFile locate the per-installation metadata.
const (
	MetaDir     = "Fallenmoon"
	VersionFile = "version.json"
	unknown     = "Unknown"
)

// NotFoundError is returned for a server name with no install directory.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return "Server directory not found: " + e.Path
}

var ErrInvalidName = errors.New("invalid server name")

// versionInfo mirrors Fallenmoon/version.json.
type versionInfo struct {
	ServerName      string   `json:"server_name"`
	GameVersion     string   `json:"game_version"`
	PlatformType    string   `json:"platform_type"`
	PlatformVersion string   `json:"platform_version"`
	RconPassword    string   `json:"rcon_password"`
	RconPort        flexPort `json:"rcon_port"`
}

// flexPort accepts the port as a JSON number or a numeric string.
type flexPort int

func (p *flexPort) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*p = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("rcon_port %s: %w", data, err)
	}
	*p = flexPort(n)
	return nil
}

// Resolver maps server names to descriptors under a servers directory.
type Resolver struct {
	root        string
	defaultPort int
}

func NewResolver(root string, defaultPort int) *Resolver {
	return &Resolver{root: root, defaultPort: defaultPort}
}

// Path returns the install directory for name.
func (r *Resolver) Path(name string) string {
	return filepath.Join(r.root, name)
}

// Resolve builds the descriptor for name. A missing version.json yields
// defaults; a malformed one is an error.
func (r *Resolver) Resolve(name string) (session.Descriptor, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return session.Descriptor{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	dir := r.Path(name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return session.Descriptor{}, &NotFoundError{Path: dir}
	}

	v := versionInfo{
		ServerName:      name,
		GameVersion:     unknown,
		PlatformType:    unknown,
		PlatformVersion: unknown,
	}
	data, err := os.ReadFile(filepath.Join(dir, MetaDir, VersionFile))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &v); err != nil {
			return session.Descriptor{}, fmt.Errorf("reading %s for %s: %w", VersionFile, name, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return session.Descriptor{}, fmt.Errorf("reading %s for %s: %w", VersionFile, name, err)
	}

	port := int(v.RconPort)
	if port <= 0 {
		port = r.defaultPort
	}
	display := v.ServerName
	if display == "" {
		display = name
	}
	return session.Descriptor{
		Name:            name,
		DisplayName:     display,
		InstallPath:     dir,
		RconPort:        port,
		RconPassword:    v.RconPassword,
		Platform:        v.PlatformType,
		PlatformVersion: v.PlatformVersion,
		GameVersion:     v.GameVersion,
		AdvancedMetrics: HasSpark(dir),
	}, nil
}

// HasSpark reports whether a spark-*.jar is installed under mods/ or
// plugins/.
func HasSpark(dir string) bool {
	for _, sub := range []string{"mods", "plugins"} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if err != nil {
			continue
		}
		for _, e := range entries {
			n := e.Name()
			if !e.IsDir() && strings.HasPrefix(n, "spark-") && strings.HasSuffix(n, ".jar") {
				return true
			}
		}
	}
	return false
}
