// Package executor implements Executor: the terminal `--execute` step that
// finalizes deferred construction work, mounts the configured binds, and
// chroots into the jail to run the requested program.
package executor

import (
	"os"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/linkdata/jail/internal/pkg/jailbuilder"
	"github.com/linkdata/jail/internal/pkg/jailconfig"
	"github.com/linkdata/jail/internal/pkg/mountplanner"
	"github.com/linkdata/jail/internal/pkg/passwdsynth"
	"github.com/linkdata/jail/pkg/jailerr"
	"github.com/linkdata/jail/pkg/jlog"
)

// Executor ties together the Builder and Planner state accumulated by
// every preceding queued command, and runs the `--execute` sequence.
type Executor struct {
	Config  *jailconfig.Config
	Builder *jailbuilder.Builder
	Planner *mountplanner.Planner
}

// New builds an Executor over an already-populated Builder and Planner.
func New(cfg *jailconfig.Config, builder *jailbuilder.Builder, planner *mountplanner.Planner) *Executor {
	return &Executor{Config: cfg, Builder: builder, Planner: planner}
}

type identity struct {
	uid    uint32
	gid    uint32
	name   string
	home   string
	groups []uint32
}

var identRx = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Run executes the `--execute`/`--` queued command: resolve identity,
// finalize deferred bookkeeping, mount, compute the environment, and
// either print (test mode) or perform the chroot+exec.
func (e *Executor) Run(args []string) error {
	ident, err := e.resolveIdentity()
	if err != nil {
		return err
	}
	ident.groups = e.supplementaryGroups(ident)

	if err := passwdsynth.Run(e.Builder, nil); err != nil {
		return err
	}
	if err := e.mount(); err != nil {
		return err
	}

	env, chdirPath, prog, progArgs, err := e.buildCommand(args, ident)
	if err != nil {
		return err
	}

	jailMount := e.Config.FormatDict()["jailmount"]
	resolvedProg, err := e.resolveProgram(prog, env)
	if err != nil {
		return err
	}
	progArgs[0] = resolvedProg

	if e.Config.Test {
		jlog.Infof("would chroot %s, chdir %s, exec %s %s as uid=%d gid=%d groups=%v",
			jailMount, chdirPath, resolvedProg, strings.Join(progArgs, " "), ident.uid, ident.gid, ident.groups)
		return nil
	}

	return e.execve(jailMount, chdirPath, resolvedProg, progArgs, env, ident)
}

func (e *Executor) mount() error {
	specs := make([]mountplanner.BindSpec, 0, len(e.Config.Binds))
	for _, b := range e.Config.Binds {
		specs = append(specs, mountplanner.BindSpec{Src: b.Src, Opts: b.Opts, Path: b.Path})
	}
	resolved, err := e.Planner.Resolve(specs)
	if err != nil {
		return err
	}
	return e.Planner.Execute(resolved)
}

// resolveIdentity determines the effective uid/gid: --chuid overrides,
// otherwise the jail's configured user/group, resolved against the host's
// passwd/group databases since this runs before the chroot.
func (e *Executor) resolveIdentity() (identity, error) {
	name, group := e.Config.User, e.Config.Group
	if e.Config.Chuid != "" {
		name, group = e.Config.Chuid, ""
		if idx := strings.IndexByte(e.Config.Chuid, ':'); idx >= 0 {
			name, group = e.Config.Chuid[:idx], e.Config.Chuid[idx+1:]
		}
	}

	users, err := passwdsynth.ReadPasswdFile("/etc/passwd")
	if err != nil {
		return identity{}, err
	}
	var user *passwdsynth.UserEntry
	for i := range users {
		if users[i].Name == name {
			user = &users[i]
			break
		}
	}
	if user == nil {
		return identity{}, jailerr.New(jailerr.ConfigError, "no such user %q", name)
	}

	gid := user.GID
	if group != "" {
		groups, err := passwdsynth.ReadGroupFile("/etc/group")
		if err != nil {
			return identity{}, err
		}
		found := false
		for _, g := range groups {
			if g.Name == group {
				gid = g.GID
				found = true
				break
			}
		}
		if !found {
			return identity{}, jailerr.New(jailerr.ConfigError, "no such group %q", group)
		}
	}

	if user.UID == 0 || gid == 0 {
		return identity{}, jailerr.New(jailerr.ConfigError, "uid/gid for %q resolve to 0", name)
	}

	return identity{uid: user.UID, gid: gid, name: user.Name, home: user.Home}, nil
}

// supplementaryGroups scans the host group database for every group the
// user belongs to that the builder also saw (added) while constructing the
// jail, always including the primary gid.
func (e *Executor) supplementaryGroups(ident identity) []uint32 {
	groups := []uint32{ident.gid}
	seen := map[uint32]bool{ident.gid: true}

	entries, err := passwdsynth.ReadGroupFile("/etc/group")
	if err != nil {
		return groups
	}
	for _, g := range entries {
		if seen[g.GID] || !e.Builder.SeenGIDs[g.GID] {
			continue
		}
		for _, m := range g.Members {
			if m == ident.name {
				groups = append(groups, g.GID)
				seen[g.GID] = true
				break
			}
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })
	return groups
}

// buildCommand splits args into leading KEY=VALUE environment edits and
// the program plus its argv, and computes the final environment.
func (e *Executor) buildCommand(args []string, ident identity) (env []string, chdirPath, prog string, progArgs []string, err error) {
	jailMount := e.Config.FormatDict()["jailmount"]
	jailHome := e.Config.FormatDict()["jailhome"]

	pathRoot := jailMount
	if e.Config.Test {
		pathRoot = jailHome
	}

	chdirRel, expErr := e.Config.Expand(e.Config.Chdir)
	if expErr != nil {
		return nil, "", "", nil, expErr
	}
	chdirPath = jailMount + "/" + strings.TrimPrefix(chdirRel, "/")
	pwd := "/" + strings.TrimPrefix(chdirRel, "/")

	home := ident.home
	if home == "" {
		home = "/"
	}

	base := map[string]string{
		"JAILBASE": e.Config.JailBase,
		"PWD":      pwd,
		"USER":     ident.name,
		"HOME":     home,
		"PATH":     e.filteredPath(pathRoot),
	}
	if lang, ok := os.LookupEnv("LANG"); ok {
		base["LANG"] = lang
	}

	hostEnv := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			hostEnv[kv[:i]] = kv[i+1:]
		}
	}

	idx := 0
	for idx < len(args) {
		tok := args[idx]
		eq := strings.IndexByte(tok, '=')
		if eq <= 0 {
			break
		}
		idx++
		if err := applyEnvEdit(base, hostEnv, tok[:eq], tok[eq+1:]); err != nil {
			return nil, "", "", nil, err
		}
	}
	if idx >= len(args) {
		return nil, "", "", nil, jailerr.New(jailerr.ArgumentError, "--execute requires a program after any K=V edits")
	}
	prog = args[idx]
	progArgs = args[idx:]

	keys := make([]string, 0, len(base))
	for k := range base {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env = make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+base[k])
	}
	return env, chdirPath, prog, progArgs, nil
}

func applyEnvEdit(env, hostEnv map[string]string, key, value string) error {
	if identRx.MatchString(key) {
		applyOne(env, hostEnv, key, value)
		return nil
	}
	rx, err := regexp.Compile(key)
	if err != nil {
		return jailerr.Wrap(jailerr.ConfigError, "", err)
	}
	for name := range hostEnv {
		if rx.MatchString(name) {
			applyOne(env, hostEnv, name, value)
		}
	}
	return nil
}

func applyOne(env, hostEnv map[string]string, name, value string) {
	switch value {
	case "*":
		if hv, ok := hostEnv[name]; ok {
			env[name] = hv
		}
	case "":
		delete(env, name)
	default:
		env[name] = value
	}
}

// filteredPath returns the host PATH narrowed to directories that exist
// under root (jailmount, or jailhome in test mode).
func (e *Executor) filteredPath(root string) string {
	var kept []string
	for _, dir := range strings.Split(os.Getenv("PATH"), ":") {
		if dir == "" {
			continue
		}
		node, err := e.Builder.Host.Root().Lookup(root+dir, 0)
		if err != nil || node == nil || !node.Exists() || !node.IsDir() {
			continue
		}
		kept = append(kept, dir)
	}
	return strings.Join(kept, ":")
}

// resolveProgram returns prog unchanged if it already contains a slash,
// otherwise searches the just-computed PATH (pre-chroot, against Host) for
// a matching executable and returns its jail-relative path.
func (e *Executor) resolveProgram(prog string, env []string) (string, error) {
	if strings.Contains(prog, "/") {
		return prog, nil
	}
	jailMount := e.Config.FormatDict()["jailmount"]
	var pathVal string
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			pathVal = strings.TrimPrefix(kv, "PATH=")
		}
	}
	for _, dir := range strings.Split(pathVal, ":") {
		if dir == "" {
			continue
		}
		candidate := strings.TrimSuffix(dir, "/") + "/" + prog
		node, err := e.Builder.Host.Root().Lookup(jailMount+candidate, 0)
		if err == nil && node != nil && node.Exists() && node.Stat().Mode&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", jailerr.New(jailerr.NotFound, "%s not found in PATH", prog)
}

// execve applies the final umask/chdir/chroot/setgroups/setgid/setuid
// sequence and replaces the current process image. Only returns on error
// -- a successful unix.Exec never returns.
func (e *Executor) execve(jailMount, chdirPath, prog string, progArgs []string, env []string, ident identity) error {
	unix.Umask(e.Config.Umask)

	if err := unix.Chdir(chdirPath); err != nil {
		return jailerr.Wrap(jailerr.IoError, chdirPath, err)
	}
	if err := unix.Chroot(jailMount); err != nil {
		return jailerr.Wrap(jailerr.IoError, jailMount, err)
	}

	groups := make([]int, len(ident.groups))
	for i, g := range ident.groups {
		groups[i] = int(g)
	}
	if err := unix.Setgroups(groups); err != nil {
		return jailerr.Wrap(jailerr.IoError, "", err)
	}
	if err := unix.Setgid(int(ident.gid)); err != nil {
		return jailerr.Wrap(jailerr.IoError, "", err)
	}
	if err := unix.Setuid(int(ident.uid)); err != nil {
		return jailerr.Wrap(jailerr.IoError, "", err)
	}

	jlog.Infof("exec %s %s", prog, strings.Join(progArgs[1:], " "))
	if err := unix.Exec(prog, progArgs, env); err != nil {
		return jailerr.Wrap(jailerr.SubprocessFailure, prog, err)
	}
	return nil
}
