package passwdsynth

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/linkdata/jail/internal/pkg/depresolver"
	"github.com/linkdata/jail/internal/pkg/jailbuilder"
	"github.com/linkdata/jail/internal/pkg/jailconfig"
	"github.com/linkdata/jail/internal/pkg/policy"
	"github.com/linkdata/jail/internal/pkg/shadowfs"
)

// newTestBuilder wires a Builder whose Host is rooted at the real "/" --
// Run resolves the jail home through Host by its real absolute path, which
// only lines up when Host.Base is "/" exactly as it is in production.
func newTestBuilder(t *testing.T) (*jailbuilder.Builder, string) {
	t.Helper()
	jailHome := t.TempDir() + "/alice"
	pol := policy.New()
	if err := pol.SetWritablePath(`^/.*$`); err != nil {
		t.Fatal(err)
	}
	cfg := jailconfig.New()
	cfg.SetUserGroup("alice")
	cfg.Passwd = true
	resolver, err := depresolver.New("true", `^\s*(\S+)\s*\(.*\)\s*=>\s*(\S+)\s*$`, "true", `\s+(\S+)\s+=>(\s*\S+\s*)?\(0x.+\)`)
	if err != nil {
		t.Fatal(err)
	}
	b := jailbuilder.New(cfg, pol, resolver)
	b.Host = shadowfs.NewTree("/", pol)
	b.Jail = shadowfs.NewTree(jailHome, pol)
	return b, jailHome
}

type fakeLookup struct {
	users  map[uint32]UserEntry
	groups map[uint32]GroupEntry
}

func (f fakeLookup) GetPwUID(uid uint32) (*UserEntry, error) {
	u, ok := f.users[uid]
	if !ok {
		return nil, os.ErrNotExist
	}
	return &u, nil
}

func (f fakeLookup) GetGrGID(gid uint32) (*GroupEntry, error) {
	g, ok := f.groups[gid]
	if !ok {
		return nil, os.ErrNotExist
	}
	return &g, nil
}

func TestParsePasswdLineRoundTrips(t *testing.T) {
	e, err := ParsePasswdLine("alice:x:1000:1000:Alice:/home/alice:/bin/sh")
	if err != nil {
		t.Fatal(err)
	}
	if e.Name != "alice" || e.UID != 1000 || e.GID != 1000 || e.Shell != "/bin/sh" {
		t.Fatalf("parsed = %+v", e)
	}
	if got := passwdLine(e); got != "alice:*:1000:1000:Alice:/home/alice:/bin/sh" {
		t.Fatalf("passwdLine = %q", got)
	}
}

func TestParsePasswdLineRejectsTooFewFields(t *testing.T) {
	if _, err := ParsePasswdLine("alice:x:1000"); err == nil {
		t.Fatal("expected error for malformed line")
	}
}

func TestParseGroupLineSplitsMembers(t *testing.T) {
	g, err := ParseGroupLine("wheel:x:10:alice,bob")
	if err != nil {
		t.Fatal(err)
	}
	if g.GID != 10 || len(g.Members) != 2 || g.Members[0] != "alice" {
		t.Fatalf("parsed = %+v", g)
	}
}

func TestParseGroupLineEmptyMembers(t *testing.T) {
	g, err := ParseGroupLine("nogroup:x:65534:")
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Members) != 0 {
		t.Fatalf("expected no members, got %v", g.Members)
	}
}

func TestRunSkippedWhenPasswdFlagUnset(t *testing.T) {
	b, jailHome := newTestBuilder(t)
	b.Config.Passwd = false
	if err := os.MkdirAll(jailHome, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := Run(b, fakeLookup{}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(jailHome, "etc")); !os.IsNotExist(err) {
		t.Fatal("expected no /etc clone when --passwd was not requested")
	}
}

func TestRunSkippedWhenJailHomeMissing(t *testing.T) {
	b, _ := newTestBuilder(t)
	if err := Run(b, fakeLookup{}); err != nil {
		t.Fatal(err)
	}
}

func TestRunClonesEtcAndWritesFilteredPasswdGroup(t *testing.T) {
	b, jailHome := newTestBuilder(t)
	if err := os.MkdirAll(jailHome, 0o755); err != nil {
		t.Fatal(err)
	}
	b.SeenUIDs[4242] = true
	b.SeenGIDs[4242] = true

	lookup := fakeLookup{
		users: map[uint32]UserEntry{
			4242: {Name: "svc", UID: 4242, GID: 4242, Gecos: "Service", Home: "/home/svc", Shell: "/bin/false"},
		},
		groups: map[uint32]GroupEntry{
			4242: {Name: "svc", GID: 4242, Members: []string{"svc", "ghost"}},
		},
	}
	if err := Run(b, lookup); err != nil {
		t.Fatal(err)
	}

	passwdData, err := os.ReadFile(filepath.Join(jailHome, "etc", "passwd"))
	if err != nil {
		t.Fatalf("expected rewritten passwd: %v", err)
	}
	if !strings.Contains(string(passwdData), "svc:*:4242:4242:Service:/home/svc:/bin/false") {
		t.Fatalf("passwd = %q", passwdData)
	}

	groupData, err := os.ReadFile(filepath.Join(jailHome, "etc", "group"))
	if err != nil {
		t.Fatalf("expected rewritten group: %v", err)
	}
	if !strings.Contains(string(groupData), "svc:*:4242:svc") {
		t.Fatalf("group = %q, expected ghost dropped since it has no passwd entry", groupData)
	}
	if strings.Contains(string(groupData), "ghost") {
		t.Fatalf("group = %q, member with no corresponding passwd entry should be filtered out", groupData)
	}
}

func TestRunSkipsUnresolvableUID(t *testing.T) {
	b, jailHome := newTestBuilder(t)
	if err := os.MkdirAll(jailHome, 0o755); err != nil {
		t.Fatal(err)
	}
	b.SeenUIDs[999999] = true
	if err := Run(b, fakeLookup{}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(jailHome, "etc", "passwd"))
	if err != nil {
		t.Fatalf("expected passwd file written even if empty: %v", err)
	}
	if strings.Contains(string(data), "999999") {
		t.Fatalf("expected unresolvable uid omitted, got %q", data)
	}
}
