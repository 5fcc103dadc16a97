// Package passwdsynth implements PasswdSynth: cloning /etc into the jail
// home, then rewriting its passwd and group files down to exactly the
// uid/gid set observed while building the jail.
package passwdsynth

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/linkdata/jail/internal/pkg/jailbuilder"
	"github.com/linkdata/jail/pkg/jailerr"
	"github.com/linkdata/jail/pkg/jlog"
)

// UserEntry is one parsed (or synthesized) /etc/passwd line.
type UserEntry struct {
	Name  string
	UID   uint32
	GID   uint32
	Gecos string
	Home  string
	Shell string
}

// GroupEntry is one parsed (or synthesized) /etc/group line.
type GroupEntry struct {
	Name    string
	GID     uint32
	Members []string
}

// Lookup resolves a uid/gid to its canonical host identity, the seam tests
// substitute a fixed directory for.
type Lookup interface {
	GetPwUID(uid uint32) (*UserEntry, error)
	GetGrGID(gid uint32) (*GroupEntry, error)
}

// OSLookup resolves against the running host's real /etc/passwd and
// /etc/group. It parses the files directly (rather than through the
// standard library's os/user, which never exposes the login shell) the
// same way the line-oriented passwd/group readers below parse the jail's
// copies.
type OSLookup struct{}

func (OSLookup) GetPwUID(uid uint32) (*UserEntry, error) {
	entries, err := ReadPasswdFile("/etc/passwd")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.UID == uid {
			return &e, nil
		}
	}
	return nil, jailerr.New(jailerr.NotFound, "uid %d not found in /etc/passwd", uid)
}

func (OSLookup) GetGrGID(gid uint32) (*GroupEntry, error) {
	entries, err := ReadGroupFile("/etc/group")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.GID == gid {
			return &e, nil
		}
	}
	return nil, jailerr.New(jailerr.NotFound, "gid %d not found in /etc/group", gid)
}

// ParsePasswdLine parses one colon-separated passwd(5) line.
func ParsePasswdLine(line string) (UserEntry, error) {
	f := strings.Split(line, ":")
	if len(f) < 7 {
		return UserEntry{}, jailerr.New(jailerr.ConfigError, "malformed passwd line %q", line)
	}
	uid, err := strconv.Atoi(f[2])
	if err != nil {
		return UserEntry{}, jailerr.Wrap(jailerr.ConfigError, "", err)
	}
	gid, err := strconv.Atoi(f[3])
	if err != nil {
		return UserEntry{}, jailerr.Wrap(jailerr.ConfigError, "", err)
	}
	return UserEntry{Name: f[0], UID: uint32(uid), GID: uint32(gid), Gecos: f[4], Home: f[5], Shell: f[6]}, nil
}

// ParseGroupLine parses one colon-separated group(5) line.
func ParseGroupLine(line string) (GroupEntry, error) {
	f := strings.Split(line, ":")
	if len(f) < 4 {
		return GroupEntry{}, jailerr.New(jailerr.ConfigError, "malformed group line %q", line)
	}
	gid, err := strconv.Atoi(f[2])
	if err != nil {
		return GroupEntry{}, jailerr.Wrap(jailerr.ConfigError, "", err)
	}
	var members []string
	if f[3] != "" {
		members = strings.Split(f[3], ",")
	}
	return GroupEntry{Name: f[0], GID: uint32(gid), Members: members}, nil
}

// ReadPasswdFile parses a passwd(5) file, skipping blank lines, comments,
// and lines that fail to parse. Exported so callers outside this package
// (Executor's --chuid name resolution and supplementary-group scan) can
// read the same file format without duplicating the colon-split logic.
func ReadPasswdFile(path string) ([]UserEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, jailerr.Wrap(jailerr.IoError, path, err)
	}
	var entries []UserEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := ParsePasswdLine(line)
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ReadGroupFile parses a group(5) file the same way ReadPasswdFile parses
// passwd, for the same cross-package reuse reasons.
func ReadGroupFile(path string) ([]GroupEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, jailerr.Wrap(jailerr.IoError, path, err)
	}
	var entries []GroupEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := ParseGroupLine(line)
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func passwdLine(e UserEntry) string {
	return strings.Join([]string{e.Name, "*", strconv.Itoa(int(e.UID)), strconv.Itoa(int(e.GID)), e.Gecos, e.Home, e.Shell}, ":")
}

func groupLine(e GroupEntry) string {
	return strings.Join([]string{e.Name, "*", strconv.Itoa(int(e.GID)), strings.Join(e.Members, ",")}, ":")
}

// Run clones /etc into the jail home (iff --passwd was requested and the
// jail home exists), then rewrites the jail's passwd and group files down
// to the uid/gid set observed by builder plus whatever was already present
// in the jail's own passwd/group files.
func Run(builder *jailbuilder.Builder, lookup Lookup) error {
	if !builder.Config.Passwd {
		return nil
	}
	if lookup == nil {
		lookup = OSLookup{}
	}

	home, err := builder.Host.Root().Lookup(builder.Jail.Base, 0)
	if err != nil {
		return err
	}
	if home == nil || !home.Exists() {
		jlog.Debugf("passwdsynth: jail home %s does not exist, skipping", builder.Jail.Base)
		return nil
	}

	if err := builder.CloneRecurse("/etc", "/etc", false); err != nil {
		return err
	}

	passwdPath := filepath.Join(builder.Jail.Base, "etc", "passwd")
	groupPath := filepath.Join(builder.Jail.Base, "etc", "group")

	existingUsers, err := ReadPasswdFile(passwdPath)
	if err != nil {
		return err
	}
	existingGroups, err := ReadGroupFile(groupPath)
	if err != nil {
		return err
	}

	seenUIDs := map[uint32]bool{}
	seenGIDs := map[uint32]bool{}
	for uid := range builder.SeenUIDs {
		seenUIDs[uid] = true
	}
	for gid := range builder.SeenGIDs {
		seenGIDs[gid] = true
	}
	for _, u := range existingUsers {
		seenUIDs[u.UID] = true
		seenGIDs[u.GID] = true
	}
	for _, g := range existingGroups {
		seenGIDs[g.GID] = true
	}

	var newUsers []UserEntry
	names := map[string]bool{}
	for uid := range seenUIDs {
		u, err := lookup.GetPwUID(uid)
		if err != nil {
			jlog.Debugf("passwdsynth: no passwd entry for uid %d, skipping: %v", uid, err)
			continue
		}
		newUsers = append(newUsers, *u)
		names[u.Name] = true
	}

	var newGroups []GroupEntry
	for gid := range seenGIDs {
		g, err := lookup.GetGrGID(gid)
		if err != nil {
			jlog.Debugf("passwdsynth: no group entry for gid %d, skipping: %v", gid, err)
			continue
		}
		var kept []string
		for _, m := range g.Members {
			if names[m] {
				kept = append(kept, m)
			}
		}
		g.Members = kept
		newGroups = append(newGroups, *g)
	}

	if err := writeLines(builder, passwdPath, newUsers, func(u UserEntry) string { return passwdLine(u) }); err != nil {
		return err
	}
	return writeLines(builder, groupPath, newGroups, func(g GroupEntry) string { return groupLine(g) })
}

func writeLines[T any](builder *jailbuilder.Builder, path string, entries []T, render func(T) string) error {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(render(e))
		b.WriteByte('\n')
	}
	ok, err := builder.Policy.Writable(path, "passwdsynth rewrite "+path)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	info, statErr := os.Stat(path)
	mode := os.FileMode(0o644)
	if statErr == nil {
		mode = info.Mode()
	}
	if err := os.WriteFile(path, []byte(b.String()), mode); err != nil {
		return jailerr.Wrap(jailerr.IoError, path, err)
	}
	return nil
}
