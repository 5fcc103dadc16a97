// Package depresolver implements DependencyResolver: parsing the
// ldconfig-style loader index, running the dynamic loader's --list
// facility per executable, and maintaining the soname/alias/DNS/thread
// caches the jail builder consults whenever an executable or shared
// object is added.
package depresolver

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/shell"

	"github.com/linkdata/jail/pkg/jailerr"
	"github.com/linkdata/jail/pkg/jlog"
)

var (
	dnsSonameRx    = regexp.MustCompile(`^lib(nsl|resolv|nss[_,0-9,a-z]+)\..+`)
	threadSonameRx = regexp.MustCompile(`^lib(pthread|gcc_s)\..+`)
	ldLinuxRx      = regexp.MustCompile(`^ld-linux`)
)

// Runner abstracts subprocess execution so tests can substitute canned
// output without actually invoking ldconfig/ld.so on the test host.
type Runner interface {
	Run(argv []string) (stdout string, err error)
}

// ExecRunner shells out for real, merging stderr into the captured stdout.
type ExecRunner struct{}

func (ExecRunner) Run(argv []string) (string, error) {
	if len(argv) == 0 {
		return "", jailerr.New(jailerr.SubprocessFailure, "empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return buf.String(), jailerr.Wrap(jailerr.SubprocessFailure, argv[0], err)
	}
	return buf.String(), nil
}

// Resolver owns the dependency caches described in the data model's
// "DependencyCaches" section.
type Resolver struct {
	LdconfigCmd string
	LdconfigRx  string
	LdlistCmd   string
	LdlistRx    string

	Runner Runner

	examined bool

	sonameToPaths map[string][]string
	libDirs       map[string]bool
	aliases       map[string][]string // real target path -> []symlink path
	dnsFiles      map[string]bool
	threadFiles   map[string]bool
	ldlinuxSo     string

	depCache map[string][]string // memoized per-executable; present key, possibly empty slice, means "already resolved"
}

// New builds a Resolver with the given command templates/regex sources;
// every regex is validated by compiling it immediately, matching the
// spec's "validate by compile" rule.
func New(ldconfigCmd, ldconfigRx, ldlistCmd, ldlistRx string) (*Resolver, error) {
	r := &Resolver{
		LdconfigCmd: ldconfigCmd,
		LdconfigRx:  ldconfigRx,
		LdlistCmd:   ldlistCmd,
		LdlistRx:    ldlistRx,
		Runner:      ExecRunner{},
		depCache:    map[string][]string{},
	}
	if _, err := regexp.Compile(ldconfigRx); err != nil {
		return nil, jailerr.Wrap(jailerr.ConfigError, "", err)
	}
	if _, err := regexp.Compile(ldlistRx); err != nil {
		return nil, jailerr.Wrap(jailerr.ConfigError, "", err)
	}
	return r, nil
}

func noEnv(string) string { return "" }

func splitTemplate(tmpl string) ([]string, error) {
	fields, err := shell.Fields(tmpl, noEnv)
	if err != nil {
		return nil, jailerr.Wrap(jailerr.ConfigError, "", err)
	}
	return fields, nil
}

// LibraryRx matches paths that look like a shared object by name; it is
// the library regex JailBuilder.Add uses to decide whether to trigger
// dependency resolution.
var LibraryRx = regexp.MustCompile(`(^|.*/)lib.*\.so(\..*|$)`)

// ExamineSystem runs the loader-index command once (lazily, on first use
// from JailBuilder.add) and populates the soname/libDirs/alias/dns/thread
// caches.
func (r *Resolver) ExamineSystem() error {
	if r.examined {
		return nil
	}
	argv, err := splitTemplate(r.LdconfigCmd)
	if err != nil {
		return err
	}
	out, err := r.Runner.Run(argv)
	if err != nil {
		return err
	}
	rx, err := regexp.Compile(r.LdconfigRx)
	if err != nil {
		return jailerr.Wrap(jailerr.ConfigError, "", err)
	}

	r.sonameToPaths = map[string][]string{}
	r.libDirs = map[string]bool{}
	r.dnsFiles = map[string]bool{}
	r.threadFiles = map[string]bool{}

	for _, line := range splitLines(out) {
		m := rx.FindStringSubmatch(line)
		if m == nil || len(m) < 3 {
			continue
		}
		soname, path := m[1], m[2]
		r.sonameToPaths[soname] = append(r.sonameToPaths[soname], path)
		r.libDirs[filepath.Dir(path)] = true

		if r.ldlinuxSo == "" && ldLinuxRx.MatchString(soname) {
			r.ldlinuxSo = path
		}
		if dnsSonameRx.MatchString(soname) {
			r.dnsFiles[path] = true
		}
		if threadSonameRx.MatchString(soname) {
			r.threadFiles[path] = true
		}
	}

	r.aliases = map[string][]string{}
	for dir := range r.libDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			full := filepath.Join(dir, e.Name())
			info, err := os.Lstat(full)
			if err != nil || info.Mode()&os.ModeSymlink == 0 {
				continue
			}
			target, err := filepath.EvalSymlinks(full)
			if err != nil {
				continue
			}
			r.aliases[target] = append(r.aliases[target], full)
		}
	}

	r.examined = true
	jlog.Debugf("examined system: %d sonames, %d library directories", len(r.sonameToPaths), len(r.libDirs))
	return nil
}

// DNSFiles returns every shared object classified as DNS-related.
func (r *Resolver) DNSFiles() []string { return sortedKeys(r.dnsFiles) }

// ThreadFiles returns every shared object classified as thread-related.
func (r *Resolver) ThreadFiles() []string { return sortedKeys(r.threadFiles) }

// IsDNS reports whether path was classified as DNS-related.
func (r *Resolver) IsDNS(path string) bool { return r.dnsFiles[path] }

// IsThread reports whether path was classified as thread-related.
func (r *Resolver) IsThread(path string) bool { return r.threadFiles[path] }

// Aliases returns every symlink under a library directory that points at
// target, so cloning target can also clone each alias.
func (r *Resolver) Aliases(target string) []string { return r.aliases[target] }

// LdLinuxSo returns the first resolved path whose soname starts with
// "ld-linux", the dynamic loader binary used to run --list.
func (r *Resolver) LdLinuxSo() string { return r.ldlinuxSo }

// ResolveSoname returns every resolved path for soname, falling back to
// treating soname itself as a path when it's unknown to the index.
func (r *Resolver) ResolveSoname(soname string) []string {
	if paths, ok := r.sonameToPaths[soname]; ok {
		return paths
	}
	return []string{soname}
}

// Dependencies runs (or returns the memoized result of) the dynamic
// loader's --list facility against path, parsing each line with LdlistRx
// and resolving each captured soname through the ldconfig index. A failed
// invocation is memoized as an empty result.
func (r *Resolver) Dependencies(path string) ([]string, error) {
	if deps, ok := r.depCache[path]; ok {
		return deps, nil
	}
	if err := r.ExamineSystem(); err != nil {
		return nil, err
	}

	cfg := map[string]string{"ldlinux_so": r.ldlinuxSo, "path": path}
	tmpl := substitute(r.LdlistCmd, cfg)
	argv, err := splitTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	out, runErr := r.Runner.Run(argv)
	if runErr != nil {
		r.depCache[path] = nil
		jlog.Debugf("ldd-equivalent failed for %s: %v", path, runErr)
		return nil, nil
	}

	rx, err := regexp.Compile(r.LdlistRx)
	if err != nil {
		return nil, jailerr.Wrap(jailerr.ConfigError, "", err)
	}
	seen := map[string]bool{}
	var deps []string
	for _, line := range splitLines(out) {
		m := rx.FindStringSubmatch(line)
		if m == nil || len(m) < 2 {
			continue
		}
		for _, resolved := range r.ResolveSoname(m[1]) {
			if !seen[resolved] {
				seen[resolved] = true
				deps = append(deps, resolved)
			}
		}
	}
	r.depCache[path] = deps
	return deps, nil
}

func substitute(tmpl string, vals map[string]string) string {
	out := tmpl
	for k, v := range vals {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
