package access

import "strings"

// Classification is the risk tier of a shell command.
type Classification int

const (
	// Safe commands are read-only and run without friction.
	Safe Classification = iota
	// Moderate commands run and are logged.
	Moderate
	// Destructive commands run only after explicit confirmation.
	Destructive
	// Blocked commands never run.
	Blocked
)

func (c Classification) String() string {
	switch c {
	case Safe:
		return "safe"
	case Moderate:
		return "moderate"
	case Destructive:
		return "destructive"
	case Blocked:
		return "blocked"
	}
	return "unknown"
}

// defaultBlocked are matched against the whole command after whitespace is
// collapsed.
var defaultBlocked = []string{
	"rm -rf /",
	"rm -rf /*",
	"rm -rf ~",
	"rm -rf ~/",
	"rm -fr /",
	"sudo rm -rf /",
	":(){ :|:& };:",
	":(){:|:&};:",
	"mkfs /dev/sda",
	"dd if=/dev/zero of=/dev/sda",
	"dd if=/dev/random of=/dev/sda",
	"chmod -r 777 /",
	"> /dev/sda",
}

// defaultDestructive are matched as case-insensitive substrings.
var defaultDestructive = []string{
	"rm",
	"sudo",
	"chmod",
	"chown",
	"kill",
	"shutdown",
	"reboot",
	"halt",
	"mkfs",
	"dd",
	"mv",
	"truncate",
	"diskutil",
	"launchctl",
	"systemctl",
	"git push --force",
	"git reset --hard",
	"git clean",
}

// defaultSafe are matched as whole-word command prefixes.
var defaultSafe = []string{
	"ls",
	"cat",
	"pwd",
	"echo",
	"head",
	"tail",
	"wc",
	"date",
	"whoami",
	"uname",
	"uptime",
	"df",
	"du",
	"which",
	"file",
	"stat",
	"grep",
	"find",
	"tree",
	"env",
	"git status",
	"git log",
	"git diff",
	"git branch",
	"git show",
}

// shellOperators disqualify a command from Safe: whatever follows them is
// not covered by the read-only prefix.
var shellOperators = []string{";", "&&", "||", "|", ">", "<", "`", "$("}

// ClassifyCommand classifies cmd using the built-in lists.
func ClassifyCommand(cmd string) Classification {
	return defaultPolicy.ClassifyCommand(cmd)
}

var defaultPolicy = NewPolicy()

// ClassifyCommand returns Blocked for known catastrophic signatures,
// Destructive when any destructive word appears anywhere in the command,
// Safe for read-only commands, and Moderate otherwise.
func (p *Policy) ClassifyCommand(cmd string) Classification {
	normalized := strings.Join(strings.Fields(cmd), " ")
	lower := strings.ToLower(normalized)

	for _, sig := range p.blocked {
		if lower == strings.ToLower(sig) {
			return Blocked
		}
	}
	for _, word := range p.destructive {
		if strings.Contains(lower, strings.ToLower(word)) {
			return Destructive
		}
	}
	if !hasShellOperator(normalized) {
		for _, prefix := range p.safe {
			if normalized == prefix || strings.HasPrefix(normalized, prefix+" ") {
				return Safe
			}
		}
	}
	return Moderate
}

func hasShellOperator(cmd string) bool {
	for _, op := range shellOperators {
		if strings.Contains(cmd, op) {
			return true
		}
	}
	return false
}
