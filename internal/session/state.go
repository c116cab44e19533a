package session

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Status is a session's position in the process lifecycle:
// stopped → starting → running → stopping → {stopped | crashed}.
type Status int

const (
	Stopped Status = iota
	Starting
	Running
	Stopping
	Crashed
)

var statusNames = map[Status]string{
	Stopped:  "stopped",
	Starting: "starting",
	Running:  "running",
	Stopping: "stopping",
	Crashed:  "crashed",
}

var statusFromName = map[string]Status{
	"stopped":  Stopped,
	"starting": Starting,
	"running":  Running,
	"stopping": Stopping,
	"crashed":  Crashed,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := statusFromName[n]; ok {
		*s = v
	}
	return nil
}

// Live reports whether a process is expected to be running.
func (s Status) Live() bool {
	return s == Starting || s == Running
}

// Version is a numeric major.minor.patch game version.
type Version struct {
	Major, Minor, Patch int
}

// ParseVersion accepts "1.20.1" and longer dotted forms. Fewer than three
// numeric components is not a version.
func ParseVersion(s string) (Version, bool) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 3 {
		return Version{}, false
	}
	var nums [3]int
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return Version{}, false
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, true
}

func (v Version) AtLeast(o Version) bool {
	if v.Major != o.Major {
		return v.Major > o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor > o.Minor
	}
	return v.Patch >= o.Patch
}

func (v Version) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor) + "." + strconv.Itoa(v.Patch)
}

// Descriptor is what the bootstrap layer knows about an installation.
type Descriptor struct {
	Name            string `json:"name"`
	DisplayName     string `json:"server_name"`
	InstallPath     string `json:"path"`
	RconPort        int    `json:"rcon_port"`
	RconPassword    string `json:"-"`
	Platform        string `json:"platform_type"`
	PlatformVersion string `json:"platform_version"`
	GameVersion     string `json:"game_version"`
	// AdvancedMetrics is set when the spark profiler plugin is installed.
	AdvancedMetrics bool `json:"spark_installed"`
}

// HasCredentials reports whether the descriptor can open an RCON session.
func (d Descriptor) HasCredentials() bool {
	return d.RconPassword != ""
}

// Version parses GameVersion.
func (d Descriptor) Version() (Version, bool) {
	return ParseVersion(d.GameVersion)
}

// Session is one supervised server process.
type Session struct {
	Descriptor
	Status           Status    `json:"status"`
	PID              int       `json:"pid,omitempty"`
	StartupCompleted bool      `json:"startupCompleted"`
	StartedAt        time.Time `json:"startedAt"`
}

// Clone returns a copy safe to mutate.
func (s *Session) Clone() *Session {
	c := *s
	return &c
}
