package depresolver

import (
	"strings"
	"testing"
)

type fakeRunner struct {
	outputs map[string]string
	calls   map[string]int
}

func (f *fakeRunner) Run(argv []string) (string, error) {
	key := strings.Join(argv, " ")
	f.calls[key]++
	if out, ok := f.outputs[key]; ok {
		return out, nil
	}
	return "", nil
}

const ldconfigRx = `^\s*(\S+)\s*\(.*\)\s*=>\s*(\S+)\s*$`
const ldlistRx = `\s+(\S+)\s+=>(\s*\S+\s*)?\(0x.+\)`

func newTestResolver(t *testing.T, outputs map[string]string) (*Resolver, *fakeRunner) {
	t.Helper()
	r, err := New("ldconfig -p", ldconfigRx, "{ldlinux_so} --list {path}", ldlistRx)
	if err != nil {
		t.Fatal(err)
	}
	fr := &fakeRunner{outputs: outputs, calls: map[string]int{}}
	r.Runner = fr
	return r, fr
}

func TestExamineSystemClassifiesDNSAndThread(t *testing.T) {
	ldconfigOut := strings.Join([]string{
		"libc.so.6 (libc6,x86-64) => /lib/x86_64-linux-gnu/libc.so.6",
		"libnss_dns.so.2 (libc6,x86-64) => /lib/x86_64-linux-gnu/libnss_dns.so.2",
		"libpthread.so.0 (libc6,x86-64) => /lib/x86_64-linux-gnu/libpthread.so.0",
		"ld-linux-x86-64.so.2 (libc6,x86-64) => /lib64/ld-linux-x86-64.so.2",
	}, "\n")
	r, _ := newTestResolver(t, map[string]string{"ldconfig -p": ldconfigOut})
	if err := r.ExamineSystem(); err != nil {
		t.Fatal(err)
	}
	if !r.IsDNS("/lib/x86_64-linux-gnu/libnss_dns.so.2") {
		t.Fatal("expected libnss_dns to be classified DNS")
	}
	if !r.IsThread("/lib/x86_64-linux-gnu/libpthread.so.0") {
		t.Fatal("expected libpthread to be classified thread")
	}
	if r.LdLinuxSo() != "/lib64/ld-linux-x86-64.so.2" {
		t.Fatalf("LdLinuxSo() = %q", r.LdLinuxSo())
	}
}

func TestExamineSystemRunsOnce(t *testing.T) {
	r, fr := newTestResolver(t, map[string]string{"ldconfig -p": "libc.so.6 (libc6) => /lib/libc.so.6"})
	if err := r.ExamineSystem(); err != nil {
		t.Fatal(err)
	}
	if err := r.ExamineSystem(); err != nil {
		t.Fatal(err)
	}
	if fr.calls["ldconfig -p"] != 1 {
		t.Fatalf("expected ldconfig invoked exactly once, got %d", fr.calls["ldconfig -p"])
	}
}

func TestDependenciesResolvesAndMemoizes(t *testing.T) {
	ldconfigOut := "libc.so.6 (libc6,x86-64) => /lib/libc.so.6\nld-linux.so.2 (libc6) => /lib/ld-linux.so.2"
	lddOut := "\tlibc.so.6 => /lib/libc.so.6 (0x00007f0000000000)\n"
	r, fr := newTestResolver(t, map[string]string{
		"ldconfig -p":                  ldconfigOut,
		"/lib/ld-linux.so.2 --list /bin/sh": lddOut,
	})
	deps, err := r.Dependencies("/bin/sh")
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 1 || deps[0] != "/lib/libc.so.6" {
		t.Fatalf("deps = %v", deps)
	}
	if _, err := r.Dependencies("/bin/sh"); err != nil {
		t.Fatal(err)
	}
	if fr.calls["/lib/ld-linux.so.2 --list /bin/sh"] != 1 {
		t.Fatal("expected the ldd-equivalent invocation to be memoized")
	}
}

func TestDependenciesFailureMemoizedEmpty(t *testing.T) {
	r, err := New("ldconfig -p", ldconfigRx, "{ldlinux_so} --list {path}", ldlistRx)
	if err != nil {
		t.Fatal(err)
	}
	r.Runner = &erroringRunner{}
	deps, err := r.Dependencies("/bin/broken")
	if err != nil {
		t.Fatalf("a subprocess failure should be swallowed into an empty memoized result, got %v", err)
	}
	if deps != nil {
		t.Fatalf("expected nil deps, got %v", deps)
	}
}

type erroringRunner struct{}

// Run lets the ldconfig index command succeed (with no output) so the
// failure under test is the per-path listing run itself.
func (erroringRunner) Run(argv []string) (string, error) {
	if len(argv) > 0 && argv[0] == "ldconfig" {
		return "", nil
	}
	return "", errBoom
}

var errBoom = &boomErr{}

type boomErr struct{}

func (*boomErr) Error() string { return "boom" }

func TestNewRejectsBadRegex(t *testing.T) {
	if _, err := New("ldconfig -p", "(", "ld --list {path}", ldlistRx); err == nil {
		t.Fatal("expected ConfigError for invalid ldconfig regex")
	}
}
