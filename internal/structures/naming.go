package structures

import (
	"strconv"
	"strings"
	"time"
)

// Names look like <prefix><session8>_<unix base36>_<seq base36>, so any
// process can tell a structure's owner and age from the name alone.

func formatName(prefix, session string, created time.Time, seq uint64) string {
	return prefix + shortSession(session) + "_" + strconv.FormatInt(created.Unix(), 36) + "_" + strconv.FormatUint(seq, 36)
}

func shortSession(session string) string {
	s := strings.ToLower(strings.ReplaceAll(session, "-", ""))
	if len(s) > 8 {
		s = s[:8]
	}
	return s
}

// parseName recovers the owner and creation time of a structure name.
func parseName(prefix, name string) (session string, created time.Time, ok bool) {
	rest, found := strings.CutPrefix(name, prefix)
	if !found {
		return "", time.Time{}, false
	}
	parts := strings.Split(rest, "_")
	if len(parts) != 3 || parts[0] == "" {
		return "", time.Time{}, false
	}
	sec, err := strconv.ParseInt(parts[1], 36, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	if _, err := strconv.ParseUint(parts[2], 36, 64); err != nil {
		return "", time.Time{}, false
	}
	return parts[0], time.Unix(sec, 0), true
}
