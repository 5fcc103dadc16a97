package mountplanner

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/linkdata/jail/internal/pkg/jailconfig"
	"github.com/linkdata/jail/internal/pkg/policy"
	"github.com/linkdata/jail/internal/pkg/shadowfs"
	"github.com/linkdata/jail/pkg/jailerr"
)

type fakeRunner struct {
	calls [][]string
}

func (f *fakeRunner) Run(argv []string) error {
	f.calls = append(f.calls, argv)
	return nil
}

func newTestPlanner(t *testing.T) (*Planner, *fakeRunner, string) {
	t.Helper()
	hostBase := t.TempDir()
	pol := policy.New()
	if err := pol.SetWritablePath(`^/(tmp|(run|mnt|var)/jailbase)($|/)`); err != nil {
		t.Fatal(err)
	}
	cfg := jailconfig.New()
	cfg.SetUserGroup("alice")
	cfg.JailHome = "/var/jailbase"
	cfg.JailMount = "/mnt/jailbase"

	host := shadowfs.NewTree(hostBase, pol)
	p := New(cfg, pol, host)
	fr := &fakeRunner{}
	p.Runner = fr
	return p, fr, hostBase
}

func TestParseMtabFiltersByFstypeAndPath(t *testing.T) {
	p, _, _ := newTestPlanner(t)
	data := strings.Join([]string{
		"/dev/sda1 / ext4 rw,relatime 0 0",
		"tmpfs /mnt/jailbase/alice/tmp simfs rw 0 0",
		"/srv/data /mnt/jailbase/alice/data none rw,bind 0 0",
		"/srv/other /opt/other none rw,bind 0 0",
	}, "\n")
	if err := p.ParseMtab(data); err != nil {
		t.Fatal(err)
	}
	if len(p.Existing) != 2 {
		t.Fatalf("Existing = %v, want 2 entries", p.Existing)
	}
	if _, ok := p.Existing["/mnt/jailbase/alice/tmp"]; !ok {
		t.Fatal("expected simfs entry retained")
	}
	if _, ok := p.Existing["/mnt/jailbase/alice/data"]; !ok {
		t.Fatal("expected bind entry under jailmount retained")
	}
	if _, ok := p.Existing["/opt/other"]; ok {
		t.Fatal("expected bind entry outside jailmount dropped")
	}
}

func TestBindOptsAutoUnderJailHome(t *testing.T) {
	pol := policy.New()
	opts := BindOpts("auto", "/var/jailbase/alice/lib", "/var/jailbase/alice", pol)
	for _, want := range []string{"nosuid", "remount", "bind", "noatime", "exec", "ro"} {
		if !opts[want] {
			t.Fatalf("expected %q set in %v", want, opts)
		}
	}
}

func TestBindOptsAutoWritableHost(t *testing.T) {
	pol := policy.New()
	opts := BindOpts("auto", "/var/jailbase/shared", "/var/jailbase/alice", pol)
	if !opts["noexec"] || !opts["rw"] {
		t.Fatalf("expected noexec+rw for a writable host source, got %v", opts)
	}
}

func TestBindOptsAutoReadOnlyFallback(t *testing.T) {
	pol := policy.New()
	opts := BindOpts("auto", "/usr/lib", "/var/jailbase/alice", pol)
	if !opts["noexec"] || !opts["ro"] {
		t.Fatalf("expected noexec+ro for a non-writable host source, got %v", opts)
	}
}

func TestBindOptsExplicitTokensOverrideBase(t *testing.T) {
	pol := policy.New()
	opts := BindOpts("rw,suid", "/usr/lib", "/var/jailbase/alice", pol)
	if opts["ro"] {
		t.Fatal("expected explicit rw to clear the auto-derived ro")
	}
	if !opts["rw"] {
		t.Fatal("expected explicit rw retained")
	}
	if !opts["nosuid"] {
		t.Fatal("nosuid must always be retained even when suid is requested")
	}
}

func TestResolveRejectsSrcInsideJailTree(t *testing.T) {
	p, _, _ := newTestPlanner(t)
	_, err := p.Resolve([]BindSpec{{Src: "/var/jailbase/alice/data", Opts: "auto", Path: "data"}})
	if !jailerr.Is(err, jailerr.MountConflict) {
		t.Fatalf("expected MountConflict, got %v", err)
	}
}

func TestResolveRejectsMissingSource(t *testing.T) {
	p, _, _ := newTestPlanner(t)
	_, err := p.Resolve([]BindSpec{{Src: "/no/such/dir", Opts: "auto", Path: "x"}})
	if !jailerr.Is(err, jailerr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestResolveRejectsOverlappingMounts(t *testing.T) {
	p, _, hostBase := newTestPlanner(t)
	if err := os.MkdirAll(filepath.Join(hostBase, "srv", "data"), 0o755); err != nil {
		t.Fatal(err)
	}
	specs := []BindSpec{
		{Src: "/srv", Opts: "auto", Path: "srv"},
		{Src: "/srv/data", Opts: "auto", Path: "srv/data"},
	}
	_, err := p.Resolve(specs)
	if !jailerr.Is(err, jailerr.MountConflict) {
		t.Fatalf("expected MountConflict for a nested mount, got %v", err)
	}
}

func TestExecuteOrdersByPathLengthThenSlashCount(t *testing.T) {
	p, fr, hostBase := newTestPlanner(t)
	if err := os.MkdirAll(filepath.Join(hostBase, "a"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(hostBase, "bb"), 0o755); err != nil {
		t.Fatal(err)
	}
	resolved, err := p.Resolve([]BindSpec{
		{Src: "/bb", Opts: "auto", Path: "long/one"},
		{Src: "/a", Opts: "auto", Path: "x"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Execute(resolved); err != nil {
		t.Fatal(err)
	}
	var bindCalls []string
	for _, call := range fr.calls {
		if len(call) >= 2 && call[1] == "--bind" {
			bindCalls = append(bindCalls, call[3])
		}
	}
	if len(bindCalls) != 2 {
		t.Fatalf("expected 2 bind calls, got %v", fr.calls)
	}
	if bindCalls[0] != "/mnt/jailbase/alice/x" {
		t.Fatalf("expected the shorter mount point first, got order %v", bindCalls)
	}
}

func TestUmountReverseDepthOrder(t *testing.T) {
	p, fr, _ := newTestPlanner(t)
	p.Existing = map[string]Entry{
		"/mnt/jailbase/alice":          {MountPoint: "/mnt/jailbase/alice"},
		"/mnt/jailbase/alice/a/b":      {MountPoint: "/mnt/jailbase/alice/a/b"},
		"/mnt/jailbase/alice/a":        {MountPoint: "/mnt/jailbase/alice/a"},
	}
	if err := p.Umount(false); err != nil {
		t.Fatal(err)
	}
	if len(fr.calls) != 3 {
		t.Fatalf("expected 3 umount calls, got %v", fr.calls)
	}
	if fr.calls[0][len(fr.calls[0])-1] != "/mnt/jailbase/alice/a/b" {
		t.Fatalf("expected deepest mount unmounted first, got %v", fr.calls[0])
	}
	if len(p.Existing) != 0 {
		t.Fatal("expected Existing cleared after umount")
	}
}
