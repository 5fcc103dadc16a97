package cli

import (
	"testing"

	"github.com/linkdata/jail/pkg/jailerr"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine()
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	e.Config.Test = true
	e.Policy.Test = true
	return e
}

func TestVerboseAndPasswdAreDirect(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Run([]string{"-v", "--passwd"}); err != nil {
		t.Fatal(err)
	}
	if !e.Config.Verbose || !e.Policy.Verbose {
		t.Fatal("expected -v to set Verbose on both Config and Policy")
	}
	if !e.Config.Passwd {
		t.Fatal("expected --passwd to set Config.Passwd")
	}
}

func TestUmaskParsesOctal(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Run([]string{"--umask", "022"}); err != nil {
		t.Fatal(err)
	}
	if e.Config.Umask != 0o22 {
		t.Fatalf("Umask = %o, want 022", e.Config.Umask)
	}
}

func TestUmaskRejectsGarbage(t *testing.T) {
	e := newTestEngine(t)
	err := e.Run([]string{"--umask", "notanumber"})
	if !jailerr.Is(err, jailerr.ArgumentError) {
		t.Fatalf("expected ArgumentError, got %v", err)
	}
}

func TestShortFlagExpansionAppliesBothFlags(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Run([]string{"-vt"}); err != nil {
		t.Fatal(err)
	}
	if !e.Config.Verbose || !e.Config.Test {
		t.Fatal("expected -vt to expand into -v -t and apply both")
	}
}

func TestBindQueuesWithDefaults(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Run([]string{"--bind", "/opt/data"}); err != nil {
		t.Fatal(err)
	}
	if len(e.Config.Binds) != 1 {
		t.Fatalf("expected one queued bind applied after parsing, got %d", len(e.Config.Binds))
	}
	b := e.Config.Binds[0]
	if b.Src != "/opt/data" || b.Opts != "auto" || b.Path != "opt/data" {
		t.Fatalf("unexpected bind %+v", b)
	}
}

func TestBindWithExplicitOptsAndPath(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Run([]string{"--bind", "/opt/data", "ro,noexec", "data"}); err != nil {
		t.Fatal(err)
	}
	b := e.Config.Binds[0]
	if b.Opts != "ro,noexec" || b.Path != "data" {
		t.Fatalf("unexpected bind %+v", b)
	}
}

func TestTryAbsorbsNextQueuedFailure(t *testing.T) {
	e := newTestEngine(t)
	err := e.Run([]string{"--try", "--chmod", "/does/not/exist", "755"})
	if err != nil {
		t.Fatalf("expected --try to absorb the failure, got %v", err)
	}
}

func TestQueuedFailureWithoutTryPropagates(t *testing.T) {
	e := newTestEngine(t)
	err := e.Run([]string{"--chmod", "/does/not/exist", "755"})
	if err == nil {
		t.Fatal("expected an error without --try")
	}
}

func TestUnrecognizedOptionIsArgumentError(t *testing.T) {
	e := newTestEngine(t)
	err := e.Run([]string{"--no-such-option"})
	if !jailerr.Is(err, jailerr.ArgumentError) {
		t.Fatalf("expected ArgumentError, got %v", err)
	}
}

func TestPositionalTokenSetsUserGroup(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Run([]string{"alice:staff"}); err != nil {
		t.Fatal(err)
	}
	if e.Config.User != "alice" || e.Config.Group != "staff" {
		t.Fatalf("User=%q Group=%q, want alice/staff", e.Config.User, e.Config.Group)
	}
}

func TestMknodRejectsBadType(t *testing.T) {
	e := newTestEngine(t)
	err := e.Run([]string{"--mknod", "/dev/null", "x", "1", "3"})
	if !jailerr.Is(err, jailerr.ArgumentError) {
		t.Fatalf("expected ArgumentError for a bad device type, got %v", err)
	}
}

func TestFinalExecuteRunsInTestMode(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Run([]string{"alice", "--execute", "/bin/true"}); err != nil {
		t.Fatal(err)
	}
}

func TestPositionalTokenRejectsInvalidName(t *testing.T) {
	e := newTestEngine(t)
	err := e.Run([]string{"bad name"})
	if !jailerr.Is(err, jailerr.ConfigError) {
		t.Fatalf("expected ConfigError for an invalid user name, got %v", err)
	}
}

func TestChuidRejectsInvalidName(t *testing.T) {
	e := newTestEngine(t)
	err := e.Run([]string{"--chuid", "bad name"})
	if !jailerr.Is(err, jailerr.ConfigError) {
		t.Fatalf("expected ConfigError for an invalid chuid name, got %v", err)
	}
}

func TestMkdirDefaultsToJailBuilderMode(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Run([]string{"--mkdir", "/newdir"}); err != nil {
		t.Fatal(err)
	}
	node, err := e.Builder.Jail.Root().Lookup("/newdir", 0)
	if err != nil {
		t.Fatal(err)
	}
	if perm := node.Stat().Mode & 0o7777; perm != 0o750 {
		t.Fatalf("mode = %o, want the Builder.Mkdir 0750 default", perm)
	}
}

func TestRmAndRmdirAreQueuedAndNeedAPath(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Run([]string{"--rm"}); !jailerr.Is(err, jailerr.ArgumentError) {
		t.Fatalf("expected ArgumentError for --rm with no path, got %v", err)
	}
	e = newTestEngine(t)
	if err := e.Run([]string{"--rmdir"}); !jailerr.Is(err, jailerr.ArgumentError) {
		t.Fatalf("expected ArgumentError for --rmdir with no path, got %v", err)
	}
	e = newTestEngine(t)
	err := e.Run([]string{"--rm", "/does/not/exist"})
	if !jailerr.Is(err, jailerr.NotFound) {
		t.Fatalf("expected NotFound for --rm on a nonexistent jail path, got %v", err)
	}
}

func TestEtcMacroExpandsOnceAndQueuesTries(t *testing.T) {
	e := newTestEngine(t)
	e.Config.SetUserGroup("alice")
	if err := e.Run([]string{"--etc", "--etc"}); err != nil {
		t.Fatal(err)
	}
	if !e.Config.EtcApplied {
		t.Fatal("expected EtcApplied to be set after --etc")
	}
	etc, err := e.Builder.Jail.Root().Lookup("/etc", 0)
	if err != nil || etc == nil || !etc.Exists() {
		t.Fatalf("expected --etc's queued --add commands to have planned /etc in the jail, got %v, %v", etc, err)
	}
}

func TestDefaultsMacroAppliesTmpDevEtcPasswd(t *testing.T) {
	e := newTestEngine(t)
	e.Config.SetUserGroup("alice")
	if err := e.Run([]string{"-d"}); err != nil {
		t.Fatal(err)
	}
	if !e.Config.DefaultsApplied || !e.Config.Passwd || !e.Config.EtcApplied {
		t.Fatal("expected -d to cascade into --tmp --dev --etc --passwd")
	}
}

func TestPrefixedErrorNamesTheFailingToken(t *testing.T) {
	e := newTestEngine(t)
	err := e.Run([]string{"--umask", "garbage"})
	if err == nil {
		t.Fatal("expected an error")
	}
	want := "--umask: "
	if len(err.Error()) < len(want) || err.Error()[:len(want)] != want {
		t.Fatalf("error %q does not start with %q", err.Error(), want)
	}
}
