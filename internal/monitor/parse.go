package monitor

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	formattingCode = regexp.MustCompile(`(?i)§[0-9a-fk-or]`)
	tickTimeRe     = regexp.MustCompile(`Average time per tick: ([\d.]+)ms`)
	playersRe      = regexp.MustCompile(`There are (\d+) of a max of (\d+) players online`)
	playersAltRe   = regexp.MustCompile(`Online players: (\d+)/(\d+)`)
)

// StripFormatting removes § colour and style codes.
func StripFormatting(s string) string {
	return formattingCode.ReplaceAllString(s, "")
}

// cleanLines splits a response into non-empty lines with formatting codes
// removed.
func cleanLines(resp string) []string {
	var out []string
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, StripFormatting(line))
	}
	return out
}

// ParseTickQuery reads the mean tick time from a "tick query" response and
// derives the tick rate from it.
func ParseTickQuery(resp string) (mspt, tps string, ok bool) {
	for _, line := range cleanLines(resp) {
		m := tickTimeRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ms, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			// the mean tick time itself is still usable
			return m[1], "", true
		}
		return m[1], TPSFromMSPT(ms), true
	}
	return "", "", false
}

// TPSFromMSPT is 20.0 while a tick fits in its 50ms budget and
// 1000/mspt (capped at 20) beyond it, to one decimal.
func TPSFromMSPT(mspt float64) string {
	if mspt <= 50.0 {
		return "20.0"
	}
	return strconv.FormatFloat(min(1000.0/mspt, 20.0), 'f', 1, 64)
}

// ParseTPS reads the most recent tick rate from a "tps" response. Two
// shapes are known:
//
//	[⚡] 20.0, 20.0, 20.0, 20.0, 20.0
//	TPS from last 1m, 5m, 15m: 19.98, 20.0, 20.0
//
// Lines are tried in order and the first one yielding a number wins, so
// spark's header line is skipped. Spark's "*" cap marker is dropped.
func ParseTPS(resp string) (string, bool) {
	for _, line := range cleanLines(resp) {
		var v string
		switch {
		case strings.Contains(line, "[⚡]") && len(strings.Split(line, ",")) >= 5:
			first := strings.Split(line, ",")[0]
			v = strings.ReplaceAll(first, "[⚡]", "")
		case strings.Contains(line, "TPS from last"):
			parts := strings.Split(line, ":")
			v = strings.Split(parts[len(parts)-1], ",")[0]
		default:
			continue
		}
		v = strings.TrimPrefix(strings.TrimSpace(v), "*")
		if isNumber(v) {
			return v, true
		}
	}
	return "", false
}

func isNumber(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// ParseMSPT reads the 5-second average from an "mspt" response:
//
//	◴ 1.2/0.8/3.4, 1.1/0.7/3.9, 1.3/0.6/5.0
func ParseMSPT(resp string) (string, bool) {
	for _, line := range cleanLines(resp) {
		_, rest, found := strings.Cut(line, "◴")
		if !found {
			continue
		}
		first, _, _ := strings.Cut(strings.TrimSpace(rest), ",")
		avg, _, hasSlash := strings.Cut(strings.TrimSpace(first), "/")
		if !hasSlash {
			continue
		}
		if v := strings.TrimSpace(avg); isNumber(v) {
			return v, true
		}
	}
	return "", false
}

// ParsePlayers reads online and maximum player counts from a "list"
// response.
func ParsePlayers(resp string) (online, max string, ok bool) {
	resp = StripFormatting(resp)
	if m := playersRe.FindStringSubmatch(resp); m != nil {
		return m[1], m[2], true
	}
	if m := playersAltRe.FindStringSubmatch(resp); m != nil {
		return m[1], m[2], true
	}
	return "", "", false
}
