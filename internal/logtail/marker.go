package logtail

import "strings"

// IsStartupComplete reports whether line is one of the two phrasings a
// server logs once it accepts console commands:
//
//	[Server thread/INFO]: Done (12.345s)! For help, type "help"
//	Server Started!
func IsStartupComplete(line string) bool {
	if strings.Contains(line, "Done (") && strings.Contains(line, "s)! For help, type ") && strings.Contains(line, "help") {
		return true
	}
	return strings.Contains(line, "Server Started!")
}

// ContainsMarker scans the whole of path for a startup-completion line.
func ContainsMarker(path string) (bool, error) {
	found := false
	_, err := scanLines(path, 0, func(line string) bool {
		found = IsStartupComplete(line)
		return !found
	})
	if err != nil {
		return false, err
	}
	return found, nil
}
