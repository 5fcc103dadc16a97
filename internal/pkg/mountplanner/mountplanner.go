// Package mountplanner implements MountPlanner: parsing the kernel-reported
// mount table, computing each configured bind's effective mount point and
// option set, validating the resulting plan, and sequencing the
// /bin/mount and /bin/umount invocations that realize or tear it down.
package mountplanner

import (
	"os/exec"
	"sort"
	"strings"

	"github.com/linkdata/jail/internal/pkg/jailconfig"
	"github.com/linkdata/jail/internal/pkg/policy"
	"github.com/linkdata/jail/internal/pkg/shadowfs"
	"github.com/linkdata/jail/pkg/jailerr"
	"github.com/linkdata/jail/pkg/jlog"
)

// BindSpec is one (src, options-or-"auto", mount-path) triple from the
// `binds` sequence in jailconfig.Config.
type BindSpec struct {
	Src  string
	Opts string
	Path string
}

// Entry is a resolved mount: the absolute mount point, its source device,
// and its option set -- both what MountPlanner parses out of the live
// mount table and what it computes for a fresh bind.
type Entry struct {
	MountPoint string
	Device     string
	Options    map[string]bool
}

// Runner abstracts invoking /bin/mount and /bin/umount so tests can
// substitute a fake without touching the real mount namespace.
type Runner interface {
	Run(argv []string) error
}

// ExecRunner shells out for real.
type ExecRunner struct{}

func (ExecRunner) Run(argv []string) error {
	if len(argv) == 0 {
		return jailerr.New(jailerr.SubprocessFailure, "empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return jailerr.Wrap(jailerr.SubprocessFailure, argv[0], &execOutputError{argv[0], string(out), err})
	}
	return nil
}

type execOutputError struct {
	cmd    string
	output string
	cause  error
}

func (e *execOutputError) Error() string {
	return e.cmd + ": " + e.cause.Error() + ": " + strings.TrimSpace(e.output)
}

func (e *execOutputError) Unwrap() error { return e.cause }

// Planner owns the live mount table and plans/executes binds against it.
type Planner struct {
	Config *jailconfig.Config
	Policy *policy.Policy
	Host   *shadowfs.Tree
	Runner Runner

	// Existing is keyed by absolute mount point. ParseMtab replaces it with
	// the parsed mount table and Execute adds each mount it makes. The CLI
	// does not call ParseMtab, so --umount only sees mounts made by --mount
	// earlier in the same run.
	Existing map[string]Entry
}

// New builds a Planner. Host is a ShadowNode tree rooted at "/", used to
// validate and create mount-point directories.
func New(cfg *jailconfig.Config, pol *policy.Policy, host *shadowfs.Tree) *Planner {
	return &Planner{
		Config:   cfg,
		Policy:   pol,
		Host:     host,
		Runner:   ExecRunner{},
		Existing: map[string]Entry{},
	}
}

// ParseMtab parses the kernel-reported mount table (the /etc/mtab or
// /proc/self/mounts line format: device mountpoint fstype options ...). A
// line is retained iff its fstype is "simfs" or its options contain "bind",
// and its mount point lies within {jailmount}/.
func (p *Planner) ParseMtab(data string) error {
	jailMount := p.Config.FormatDict()["jailmount"]
	p.Existing = map[string]Entry{}
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		device, mountPoint, fstype, optsField := fields[0], fields[1], fields[2], fields[3]
		opts := splitOpts(optsField)
		if fstype != "simfs" && !opts["bind"] {
			continue
		}
		if !strings.HasPrefix(mountPoint, jailMount+"/") && mountPoint != jailMount {
			continue
		}
		p.Existing[mountPoint] = Entry{MountPoint: mountPoint, Device: device, Options: opts}
	}
	return nil
}

func splitOpts(s string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.Split(s, ",") {
		if tok != "" {
			out[tok] = true
		}
	}
	return out
}

var optionPairs = map[string]string{
	"rw": "ro", "ro": "rw",
	"exec": "noexec", "noexec": "exec",
}

// BindOpts computes the effective option set for one bind-spec: when opts
// is "auto" (or empty), the base set nosuid+remount+bind+noatime picks up
// exec+ro when src lies under the jail-home tree, else noexec+rw when the
// write policy would allow src, else noexec+ro. A non-"auto" opts string is
// a comma-separated list of explicit tokens applied as set operations on
// top of that same base ("suid" is ignored; nosuid is always retained).
func BindOpts(opts, src, jailHome string, pol *policy.Policy) map[string]bool {
	set := map[string]bool{"nosuid": true, "remount": true, "bind": true, "noatime": true}
	switch {
	case strings.HasPrefix(src, jailHome+"/") || src == jailHome:
		set["exec"] = true
		set["ro"] = true
	case pol.IsWritablePath(src):
		set["noexec"] = true
		set["rw"] = true
	default:
		set["noexec"] = true
		set["ro"] = true
	}
	if opts != "" && opts != "auto" {
		for _, tok := range strings.Split(opts, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" || tok == "suid" {
				continue
			}
			if opp, ok := optionPairs[tok]; ok {
				delete(set, opp)
			} else if strings.HasPrefix(tok, "no") {
				delete(set, strings.TrimPrefix(tok, "no"))
			} else {
				delete(set, "no"+tok)
			}
			set[tok] = true
		}
	}
	set["nosuid"] = true
	return set
}

// Resolved is one validated, plan-ready bind.
type Resolved struct {
	Src     string
	Dst     string
	Options map[string]bool
}

// Resolve expands and validates every configured bind-spec, returning the
// plan-ready set in the order given (Execute sorts separately).
func (p *Planner) Resolve(specs []BindSpec) ([]Resolved, error) {
	jailHome := p.Config.FormatDict()["jailhome"]
	jailMount := p.Config.FormatDict()["jailmount"]

	var resolved []Resolved
	for _, spec := range specs {
		src, err := p.Config.Expand(spec.Src)
		if err != nil {
			return nil, err
		}
		dst := jailMount + "/" + strings.TrimPrefix(spec.Path, "/")

		if err := p.validate(src, dst, jailHome, jailMount, resolved); err != nil {
			return nil, err
		}

		opts := BindOpts(spec.Opts, src, jailHome, p.Policy)
		resolved = append(resolved, Resolved{Src: src, Dst: dst, Options: opts})
	}
	return resolved, nil
}

func (p *Planner) validate(src, dst, jailHome, jailMount string, soFar []Resolved) error {
	for _, r := range soFar {
		if strings.HasPrefix(dst+"/", r.Dst+"/") || dst == r.Dst {
			return jailerr.New(jailerr.MountConflict, "%s is already covered by a mount at %s", dst, r.Dst).WithPath(dst)
		}
	}
	if _, ok := p.Existing[dst]; ok {
		return jailerr.New(jailerr.MountConflict, "%s is already mounted", dst).WithPath(dst)
	}
	if strings.HasPrefix(dst+"/", src+"/") || dst == src {
		return jailerr.New(jailerr.MountConflict, "%s is an ancestor of %s", src, dst).WithPath(dst)
	}
	if src == jailHome || strings.HasPrefix(src, jailHome+"/") || src == jailMount || strings.HasPrefix(src, jailMount+"/") {
		return jailerr.New(jailerr.MountConflict, "%s lies inside the jail tree", src).WithPath(src)
	}
	if strings.HasPrefix(jailHome+"/", src+"/") || strings.HasPrefix(jailMount+"/", src+"/") {
		return jailerr.New(jailerr.MountConflict, "%s is an ancestor of the jail tree", src).WithPath(src)
	}

	srcNode, err := p.Host.Root().Lookup(src, 0)
	if err != nil {
		return err
	}
	if srcNode == nil || !srcNode.Exists() {
		return jailerr.New(jailerr.NotFound, "%s not found", src).WithPath(src)
	}
	if !srcNode.IsDir() {
		return jailerr.New(jailerr.FormatMismatch, "%s is not a directory", src).WithPath(src)
	}

	dstNode, err := p.Host.Root().Lookup(dst, 0)
	if err != nil {
		return err
	}
	if dstNode != nil && dstNode.Exists() && !dstNode.IsDir() {
		return jailerr.New(jailerr.FormatMismatch, "%s exists and is not a directory", dst).WithPath(dst)
	}
	return nil
}

// sortForMount orders by mount-point path length then slash-count, so
// shallower mounts land before nested ones.
func sortForMount(r []Resolved) {
	sort.SliceStable(r, func(i, j int) bool {
		if len(r[i].Dst) != len(r[j].Dst) {
			return len(r[i].Dst) < len(r[j].Dst)
		}
		return strings.Count(r[i].Dst, "/") < strings.Count(r[j].Dst, "/")
	})
}

// Execute realizes every resolved bind: creates missing mount-point
// directories by mirroring the source, then issues `mount --bind` followed
// by `mount -o <opts>` for each, in sortForMount order.
func (p *Planner) Execute(resolved []Resolved) error {
	ordered := make([]Resolved, len(resolved))
	copy(ordered, resolved)
	sortForMount(ordered)

	for _, r := range ordered {
		if err := p.ensureMountPoint(r.Dst, r.Src); err != nil {
			return err
		}
		if err := p.Runner.Run([]string{"/bin/mount", "--bind", r.Src, r.Dst}); err != nil {
			return err
		}
		jlog.Infof("mount --bind %s %s", r.Src, r.Dst)
		if err := p.Runner.Run([]string{"/bin/mount", "-o", joinOpts(r.Options), r.Dst}); err != nil {
			return err
		}
		jlog.Infof("mount -o %s %s", joinOpts(r.Options), r.Dst)
		p.Existing[r.Dst] = Entry{MountPoint: r.Dst, Device: r.Src, Options: r.Options}
	}
	return nil
}

func (p *Planner) ensureMountPoint(dst, src string) error {
	srcNode, err := p.Host.Root().Lookup(src, 0)
	if err != nil {
		return err
	}
	mode := uint32(0o755)
	uid, gid := -1, -1
	if srcNode != nil && srcNode.Exists() {
		mode = srcNode.Stat().Mode & 0o7777
		uid, gid = int(srcNode.Stat().Uid), int(srcNode.Stat().Gid)
	}
	node, err := p.Host.Root().Makedirs(dst, mode)
	if err != nil {
		return err
	}
	if uid >= 0 || gid >= 0 {
		return node.Chown(uid, gid)
	}
	return nil
}

func joinOpts(opts map[string]bool) string {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

// Umount tears down every tracked mount in reverse depth order (deepest
// first), using `/bin/umount -l` when lazy, then removes the (now empty)
// jail-mount root.
func (p *Planner) Umount(lazy bool) error {
	var mounts []string
	for mp := range p.Existing {
		mounts = append(mounts, mp)
	}
	sort.Slice(mounts, func(i, j int) bool {
		di := strings.Count(mounts[i], "/")
		dj := strings.Count(mounts[j], "/")
		if di != dj {
			return di > dj
		}
		return mounts[i] > mounts[j]
	})

	for _, mp := range mounts {
		argv := []string{"/bin/umount", mp}
		if lazy {
			argv = []string{"/bin/umount", "-l", mp}
		}
		if err := p.Runner.Run(argv); err != nil {
			return err
		}
		jlog.Infof("%s", strings.Join(argv, " "))
		delete(p.Existing, mp)
	}

	jailMount := p.Config.FormatDict()["jailmount"]
	root, err := p.Host.Root().Lookup(jailMount, 0)
	if err != nil {
		return err
	}
	if root != nil && root.Exists() {
		return root.Rmdir()
	}
	return nil
}
