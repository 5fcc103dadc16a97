// Package policy implements PathPolicy: a compiled writable-path regex that
// gates every mutating operation ShadowNode performs, and a compiled
// valid-name regex that user and group names are checked against.
package policy

import (
	"regexp"

	"github.com/linkdata/jail/pkg/jailerr"
	"github.com/linkdata/jail/pkg/jlog"
)

// defaultValidName matches the syntax a user or group name (the positional
// user[:group] argument and --chuid) must satisfy.
const defaultValidName = `^[a-zA-Z0-9._@%+=:,\-]+$`

// defaultWritable matches the tree this jail is permitted to mutate.
const defaultWritable = `^/(tmp|(run|mnt|var)/jailbase)($|/)`

// Policy gates read and write syscalls against two compiled regexes and two
// mode flags: Verbose (echo gated commands as comments) and Test (skip the
// write syscall entirely once logged).
type Policy struct {
	validName *regexp.Regexp
	writable  *regexp.Regexp
	Verbose   bool
	Test      bool
}

// New builds a Policy with the default valid-name and writable-path
// regexes; either may be replaced later with SetValidName/SetWritablePath.
func New() *Policy {
	return &Policy{
		validName: regexp.MustCompile(defaultValidName),
		writable:  regexp.MustCompile(defaultWritable),
	}
}

// SetValidName replaces the valid-name regex; compile failures are reported
// as a ConfigError, the same validate-by-compile rule every resolver and
// policy setter follows.
func (p *Policy) SetValidName(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return jailerr.Wrap(jailerr.ConfigError, "", err)
	}
	p.validName = re
	return nil
}

// SetWritablePath replaces the writable-path regex.
func (p *Policy) SetWritablePath(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return jailerr.Wrap(jailerr.ConfigError, "", err)
	}
	p.writable = re
	return nil
}

// ValidName reports whether name (a user or group name) is syntactically
// acceptable.
func (p *Policy) ValidName(name string) bool {
	return p.validName.MatchString(name)
}

// IsWritablePath reports whether path matches the writable-path regex, with
// no logging or test-mode side effects. It's the pure predicate callers
// that only need to classify a path -- never to attempt a mutation -- use,
// e.g. MountPlanner's bindopts heuristic.
func (p *Policy) IsWritablePath(path string) bool {
	return p.writable.MatchString(path)
}

// Readable is the gate every read-syscall-issuing ShadowNode operation
// calls first. It never refuses a read; it only optionally echoes the
// command text in verbose mode.
func (p *Policy) Readable(path, command string) bool {
	if p.Verbose {
		jlog.Verbosef("# %s", command)
	}
	return true
}

// Writable is the gate every write-syscall-issuing ShadowNode operation
// calls first. In test mode it prints the command and returns false so the
// caller skips the real syscall but still updates its cache. In production
// mode, a path outside the writable regex is refused outright.
func (p *Policy) Writable(path, command string) (bool, error) {
	if p.Test {
		jlog.Verbosef("# %s", command)
		return false, nil
	}
	if p.Verbose {
		jlog.Verbosef("# %s", command)
	}
	if !p.writable.MatchString(path) {
		return false, jailerr.New(jailerr.PathPolicyViolation, "write to %s not permitted", path).WithPath(path)
	}
	return true, nil
}
