// Package access holds the gateway's authorization vocabulary: the ordered
// access levels, filesystem path checks, and shell command classification.
package access

import (
	"fmt"
	"strconv"
	"strings"
)

// Level is the global capability tier. Levels are totally ordered and a
// higher level grants everything a lower one does.
type Level int

const (
	Off Level = iota
	ChatOnly
	ReadFiles
	WriteFiles
	Execute
	FullAccess
)

var levelNames = [...]string{"off", "chat_only", "read_files", "write_files", "execute", "full_access"}

func (l Level) String() string {
	if l < Off || l > FullAccess {
		return "level(" + strconv.Itoa(int(l)) + ")"
	}
	return levelNames[l]
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l >= Off && l <= FullAccess
}

// Grants reports whether a caller at level l may use a route that requires min.
func (l Level) Grants(min Level) bool {
	return l >= min
}

// Reason renders the comparison behind a grant or deny decision, for audit
// entries, e.g. "level chat_only >= chat_only".
func Reason(current, min Level) string {
	op := ">="
	if !current.Grants(min) {
		op = "<"
	}
	return fmt.Sprintf("level %s %s %s", current, op, min)
}

// ParseLevel accepts a level name ("read_files", "read-files", "read"), or
// its number ("2").
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		l := Level(n)
		if !l.Valid() {
			return Off, fmt.Errorf("access level %d out of range 0-5", n)
		}
		return l, nil
	}
	s = strings.ReplaceAll(s, "-", "_")
	for i, name := range levelNames {
		if s == name {
			return Level(i), nil
		}
	}
	switch s {
	case "chat":
		return ChatOnly, nil
	case "read":
		return ReadFiles, nil
	case "write":
		return WriteFiles, nil
	case "exec":
		return Execute, nil
	case "full":
		return FullAccess, nil
	}
	return Off, fmt.Errorf("unknown access level %q", s)
}
