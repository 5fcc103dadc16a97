package cli

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v2"
	"mvdan.cc/sh/v3/shell"

	"github.com/linkdata/jail/internal/pkg/jailconfig"
	"github.com/linkdata/jail/internal/pkg/mountplanner"
	"github.com/linkdata/jail/internal/pkg/passwdsynth"
	"github.com/linkdata/jail/internal/pkg/shadowfs"
	"github.com/linkdata/jail/pkg/jailerr"
	"github.com/linkdata/jail/pkg/jlog"
)

// registerCommands builds the full command grammar, every Handler closing
// over e so it can reach Config/Builder/Planner/Resolver.
func registerCommands(e *Engine) *Registry {
	r := NewRegistry()

	// --- direct options ---------------------------------------------

	r.Register(&Command{Keys: []string{"-v", "--verbose"}, Kind: Direct, Usage: "-v, --verbose", Handler: func(args []string) (int, func() error, error) {
		return 0, func() error {
			e.Config.Verbose = true
			e.Policy.Verbose = true
			if jlog.GetLevel() < jlog.VerboseLevel {
				jlog.SetLevel(jlog.VerboseLevel, true)
			}
			return nil
		}, nil
	}})
	r.Register(&Command{Keys: []string{"--passwd"}, Kind: Direct, Usage: "--passwd", Handler: func(args []string) (int, func() error, error) {
		return 0, func() error { e.Config.Passwd = true; return nil }, nil
	}})
	r.Register(&Command{Keys: []string{"--dns"}, Kind: Direct, Usage: "--dns", Handler: func(args []string) (int, func() error, error) {
		return 0, func() error { e.Config.DNS = true; return nil }, nil
	}})
	r.Register(&Command{Keys: []string{"--lazy"}, Kind: Direct, Usage: "--lazy", Handler: func(args []string) (int, func() error, error) {
		return 0, func() error { e.Config.Lazy = true; return nil }, nil
	}})
	r.Register(&Command{Keys: []string{"-t", "--test"}, Kind: Direct, Usage: "-t, --test", Handler: func(args []string) (int, func() error, error) {
		return 0, func() error {
			e.Config.Test = true
			e.Policy.Test = true
			if jlog.GetLevel() < jlog.VerboseLevel {
				jlog.SetLevel(jlog.VerboseLevel, true)
			}
			return nil
		}, nil
	}})
	r.Register(&Command{Keys: []string{"--etc"}, Kind: Macro, Usage: "--etc", Expand: func() ([]string, error) {
		if e.Config.EtcApplied {
			return nil, nil
		}
		e.Config.EtcApplied = true
		text, err := e.Config.Expand(e.Config.EtcText)
		if err != nil {
			return nil, err
		}
		return shell.Fields(text, noShellEnv)
	}})
	r.Register(&Command{Keys: []string{"-d", "--defaults"}, Kind: Macro, Usage: "-d, --defaults", Expand: func() ([]string, error) {
		if e.Config.DefaultsApplied {
			return nil, nil
		}
		e.Config.DefaultsApplied = true
		text, err := e.Config.Expand(e.Config.DefaultsText)
		if err != nil {
			return nil, err
		}
		return shell.Fields(text, noShellEnv)
	}})
	r.Register(&Command{Keys: []string{"--umask"}, Kind: Direct, Usage: "--umask <mask>", Handler: func(args []string) (int, func() error, error) {
		if err := needArgs("--umask", args, 1); err != nil {
			return 0, nil, err
		}
		mask, err := strconv.ParseInt(args[0], 8, 32)
		if err != nil {
			return 0, nil, jailerr.Wrap(jailerr.ArgumentError, "", err)
		}
		return 1, func() error { e.Config.Umask = int(mask); return nil }, nil
	}})
	r.Register(&Command{Keys: []string{"--chdir"}, Kind: Direct, Usage: "--chdir <path>", Handler: func(args []string) (int, func() error, error) {
		if err := needArgs("--chdir", args, 1); err != nil {
			return 0, nil, err
		}
		path := args[0]
		return 1, func() error { e.Config.Chdir = path; return nil }, nil
	}})
	r.Register(&Command{Keys: []string{"--chuid"}, Kind: Direct, Usage: "--chuid <user[:group]>", Handler: func(args []string) (int, func() error, error) {
		if err := needArgs("--chuid", args, 1); err != nil {
			return 0, nil, err
		}
		spec := args[0]
		name, group := spec, ""
		if idx := strings.IndexByte(spec, ':'); idx >= 0 {
			name, group = spec[:idx], spec[idx+1:]
		}
		if !e.Policy.ValidName(name) || (group != "" && !e.Policy.ValidName(group)) {
			return 0, nil, jailerr.New(jailerr.ConfigError, "invalid user/group name %q", spec)
		}
		return 1, func() error { e.Config.Chuid = spec; return nil }, nil
	}})
	r.Register(&Command{Keys: []string{"--validname"}, Kind: Direct, Usage: "--validname <regex>", Handler: func(args []string) (int, func() error, error) {
		if err := needArgs("--validname", args, 1); err != nil {
			return 0, nil, err
		}
		rx := args[0]
		return 1, func() error { return e.Policy.SetValidName(rx) }, nil
	}})
	r.Register(&Command{Keys: []string{"--writepath"}, Kind: Direct, Usage: "--writepath <regex>", Handler: func(args []string) (int, func() error, error) {
		if err := needArgs("--writepath", args, 1); err != nil {
			return 0, nil, err
		}
		rx := args[0]
		return 1, func() error { return e.Policy.SetWritablePath(rx) }, nil
	}})
	r.Register(&Command{Keys: []string{"--ldconfig-cmd"}, Kind: Direct, Usage: "--ldconfig-cmd <cmdline>", Handler: func(args []string) (int, func() error, error) {
		if err := needArgs("--ldconfig-cmd", args, 1); err != nil {
			return 0, nil, err
		}
		v := args[0]
		return 1, func() error { e.Config.LdconfigCmd = v; e.Resolver.LdconfigCmd = v; return nil }, nil
	}})
	r.Register(&Command{Keys: []string{"--ldconfig-rx"}, Kind: Direct, Usage: "--ldconfig-rx <regex>", Handler: func(args []string) (int, func() error, error) {
		if err := needArgs("--ldconfig-rx", args, 1); err != nil {
			return 0, nil, err
		}
		v := args[0]
		if _, err := regexp.Compile(v); err != nil {
			return 0, nil, jailerr.Wrap(jailerr.ConfigError, "", err)
		}
		return 1, func() error { e.Config.LdconfigRx = v; e.Resolver.LdconfigRx = v; return nil }, nil
	}})
	r.Register(&Command{Keys: []string{"--ldlist-cmd"}, Kind: Direct, Usage: "--ldlist-cmd <template>", Handler: func(args []string) (int, func() error, error) {
		if err := needArgs("--ldlist-cmd", args, 1); err != nil {
			return 0, nil, err
		}
		v := args[0]
		return 1, func() error { e.Config.LdlistCmd = v; e.Resolver.LdlistCmd = v; return nil }, nil
	}})
	r.Register(&Command{Keys: []string{"--ldlist-rx"}, Kind: Direct, Usage: "--ldlist-rx <regex>", Handler: func(args []string) (int, func() error, error) {
		if err := needArgs("--ldlist-rx", args, 1); err != nil {
			return 0, nil, err
		}
		v := args[0]
		if _, err := regexp.Compile(v); err != nil {
			return 0, nil, jailerr.Wrap(jailerr.ConfigError, "", err)
		}
		return 1, func() error { e.Config.LdlistRx = v; e.Resolver.LdlistRx = v; return nil }, nil
	}})

	// --- modifier -----------------------------------------------------

	r.Register(&Command{Keys: []string{"--try"}, Kind: Modifier, Usage: "--try"})

	// --- final ----------------------------------------------------------

	r.Register(&Command{Keys: []string{"--", "--execute"}, Kind: Final, Usage: "-- / --execute [K=V]... <prog> <args>..."})

	// --- queued commands ------------------------------------------------

	r.Register(&Command{Keys: []string{"--print"}, Kind: Queued, Usage: "--print [fmt]", Handler: func(args []string) (int, func() error, error) {
		format := "text"
		n := 0
		if len(args) > 0 && !looksLikeToken(args[0]) {
			format = args[0]
			n = 1
		}
		return n, func() error { return printConfig(e.Config, format) }, nil
	}})
	r.Register(&Command{Keys: []string{"--mount"}, Kind: Queued, Usage: "--mount", Handler: func(args []string) (int, func() error, error) {
		return 0, func() error {
			specs := bindSpecs(e.Config)
			resolved, err := e.Planner.Resolve(specs)
			if err != nil {
				return err
			}
			return e.Planner.Execute(resolved)
		}, nil
	}})
	r.Register(&Command{Keys: []string{"--umount"}, Kind: Queued, Usage: "--umount", Handler: func(args []string) (int, func() error, error) {
		return 0, func() error { return e.Planner.Umount(e.Config.Lazy) }, nil
	}})
	r.Register(&Command{Keys: []string{"--rm"}, Kind: Queued, Usage: "--rm <path>", Handler: func(args []string) (int, func() error, error) {
		if err := needArgs("--rm", args, 1); err != nil {
			return 0, nil, err
		}
		path := args[0]
		return 1, func() error { return e.Builder.Rm(path) }, nil
	}})
	r.Register(&Command{Keys: []string{"--rmdir"}, Kind: Queued, Usage: "--rmdir <path>", Handler: func(args []string) (int, func() error, error) {
		if err := needArgs("--rmdir", args, 1); err != nil {
			return 0, nil, err
		}
		path := args[0]
		return 1, func() error { return e.Builder.Rmdir(path) }, nil
	}})
	r.Register(&Command{Keys: []string{"--clean"}, Kind: Queued, Usage: "--clean", Handler: func(args []string) (int, func() error, error) {
		return 0, func() error { return e.Builder.Clean() }, nil
	}})
	r.Register(&Command{Keys: []string{"--remove"}, Kind: Queued, Usage: "--remove", Handler: func(args []string) (int, func() error, error) {
		return 0, func() error { return e.Builder.Remove() }, nil
	}})
	r.Register(&Command{Keys: []string{"--dev"}, Kind: Direct, Usage: "--dev", Handler: func(args []string) (int, func() error, error) {
		return 0, func() error { return e.Builder.Dev() }, nil
	}})
	r.Register(&Command{Keys: []string{"--tmp"}, Kind: Direct, Usage: "--tmp", Handler: func(args []string) (int, func() error, error) {
		return 0, func() error { return e.Builder.Tmp() }, nil
	}})

	r.Register(&Command{Keys: []string{"--add"}, Kind: Queued, Usage: "--add <path>...", Handler: func(args []string) (int, func() error, error) {
		n := consumeTokens(args)
		if err := needArgs("--add", args, 1); err != nil {
			return 0, nil, err
		}
		paths := append([]string(nil), args[:n]...)
		return n, func() error {
			for _, p := range paths {
				if err := e.Builder.Add(p, false, false); err != nil {
					return err
				}
			}
			return nil
		}, nil
	}})
	r.Register(&Command{Keys: []string{"--add-recurse"}, Kind: Queued, Usage: "--add-recurse [--quick] <path>...", Handler: func(args []string) (int, func() error, error) {
		quick, rest := consumeQuickFlag(args)
		n := consumeTokens(rest)
		if n == 0 {
			return 0, nil, jailerr.New(jailerr.ArgumentError, "--add-recurse: expected at least 1 path")
		}
		paths := append([]string(nil), rest[:n]...)
		consumed := (len(args) - len(rest)) + n
		return consumed, func() error {
			for _, p := range paths {
				if err := e.Builder.Add(p, true, quick); err != nil {
					return err
				}
			}
			return nil
		}, nil
	}})
	r.Register(&Command{Keys: []string{"--add-from"}, Kind: Queued, Usage: "--add-from <dir> <file>...", Handler: func(args []string) (int, func() error, error) {
		if err := needArgs("--add-from", args, 2); err != nil {
			return 0, nil, err
		}
		dir := args[0]
		n := 1 + consumeTokens(args[1:])
		files := append([]string(nil), args[1:n]...)
		return n, func() error {
			for _, f := range files {
				if err := e.Builder.Add(strings.TrimSuffix(dir, "/")+"/"+f, false, false); err != nil {
					return err
				}
			}
			return nil
		}, nil
	}})

	r.Register(&Command{Keys: []string{"--bind"}, Kind: Queued, Usage: "--bind <src> [opts] [path]", Handler: func(args []string) (int, func() error, error) {
		if err := needArgs("--bind", args, 1); err != nil {
			return 0, nil, err
		}
		src := args[0]
		opts := "auto"
		path := strings.TrimPrefix(src, "/")
		n := 1
		if len(args) > 1 && !looksLikeToken(args[1]) {
			opts = args[1]
			if opts == "" {
				opts = "auto"
			}
			n = 2
		}
		if len(args) > 2 && !looksLikeToken(args[2]) {
			path = args[2]
			n = 3
		}
		return n, func() error {
			e.Config.Binds = append(e.Config.Binds, jailconfig.Bind{Src: src, Opts: opts, Path: path})
			return nil
		}, nil
	}})

	r.Register(&Command{Keys: []string{"--mknod"}, Kind: Queued, Usage: "--mknod <path> c|b <major> [minor]", Handler: func(args []string) (int, func() error, error) {
		if err := needArgs("--mknod", args, 3); err != nil {
			return 0, nil, err
		}
		path := args[0]
		var isChar bool
		switch args[1] {
		case "c":
			isChar = true
		case "b":
			isChar = false
		default:
			return 0, nil, jailerr.New(jailerr.ArgumentError, "--mknod: type must be c or b, got %q", args[1])
		}
		major, err := strconv.ParseUint(args[2], 10, 32)
		if err != nil {
			return 0, nil, jailerr.Wrap(jailerr.ArgumentError, "", err)
		}
		n := 3
		var minor uint64
		if len(args) > 3 && !looksLikeToken(args[3]) {
			minor, err = strconv.ParseUint(args[3], 10, 32)
			if err != nil {
				return 0, nil, jailerr.Wrap(jailerr.ArgumentError, "", err)
			}
			n = 4
		}
		mode := uint32(0o660)
		if isChar {
			mode |= unix.S_IFCHR
		} else {
			mode |= unix.S_IFBLK
		}
		dev := unix.Mkdev(uint32(major), uint32(minor))
		return n, func() error { return e.Builder.Mknod(path, mode, dev) }, nil
	}})

	r.Register(&Command{Keys: []string{"--mkdir"}, Kind: Queued, Usage: "--mkdir <path> [mode] [user[:group]]", Handler: func(args []string) (int, func() error, error) {
		if err := needArgs("--mkdir", args, 1); err != nil {
			return 0, nil, err
		}
		path := args[0]
		var mode uint32 // 0 means Builder.Mkdir's own 0750 default
		uid, gid := -1, -1
		n := 1
		if len(args) > 1 && !looksLikeToken(args[1]) {
			m, err := strconv.ParseUint(args[1], 8, 32)
			if err != nil {
				return 0, nil, jailerr.Wrap(jailerr.ArgumentError, "", err)
			}
			mode = uint32(m)
			n = 2
		}
		if len(args) > 2 && !looksLikeToken(args[2]) {
			u, g, err := resolveUserGroup(args[2])
			if err != nil {
				return 0, nil, err
			}
			uid, gid = u, g
			n = 3
		}
		return n, func() error { return e.Builder.Mkdir(path, mode, uid, gid) }, nil
	}})

	r.Register(&Command{Keys: []string{"--ln-s"}, Kind: Queued, Usage: "--ln-s <target> <linkname>", Handler: func(args []string) (int, func() error, error) {
		if err := needArgs("--ln-s", args, 2); err != nil {
			return 0, nil, err
		}
		target, linkname := args[0], args[1]
		return 2, func() error { return e.Builder.LnS(target, linkname) }, nil
	}})
	r.Register(&Command{Keys: []string{"--chflags"}, Kind: Queued, Usage: "--chflags <path> <flags>", Handler: func(args []string) (int, func() error, error) {
		if err := needArgs("--chflags", args, 2); err != nil {
			return 0, nil, err
		}
		path := args[0]
		flags, err := strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			return 0, nil, jailerr.Wrap(jailerr.ArgumentError, "", err)
		}
		return 2, func() error { return e.Builder.Chflags(path, uint32(flags)) }, nil
	}})
	r.Register(&Command{Keys: []string{"--chmod"}, Kind: Queued, Usage: "--chmod <path> <mode>", Handler: func(args []string) (int, func() error, error) {
		if err := needArgs("--chmod", args, 2); err != nil {
			return 0, nil, err
		}
		path := args[0]
		mode, err := strconv.ParseUint(args[1], 8, 32)
		if err != nil {
			return 0, nil, jailerr.Wrap(jailerr.ArgumentError, "", err)
		}
		return 2, func() error { return e.Builder.Chmod(path, uint32(mode)) }, nil
	}})
	r.Register(&Command{Keys: []string{"--chown"}, Kind: Queued, Usage: "--chown <path> <user[:group]>", Handler: func(args []string) (int, func() error, error) {
		if err := needArgs("--chown", args, 2); err != nil {
			return 0, nil, err
		}
		path := args[0]
		uid, gid, err := resolveUserGroup(args[1])
		if err != nil {
			return 0, nil, err
		}
		return 2, func() error { return e.Builder.Chown(path, uid, gid) }, nil
	}})
	r.Register(&Command{Keys: []string{"--touch"}, Kind: Queued, Usage: "--touch <path> [mtime]", Handler: func(args []string) (int, func() error, error) {
		if err := needArgs("--touch", args, 1); err != nil {
			return 0, nil, err
		}
		path := args[0]
		var mtime *time.Time
		n := 1
		if len(args) > 1 && !looksLikeToken(args[1]) {
			var t time.Time
			if strings.Contains(args[1], ".") {
				parsed, err := shadowfs.ParseTouchTime(args[1])
				if err != nil {
					return 0, nil, err
				}
				t = parsed
			} else {
				secs, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return 0, nil, jailerr.Wrap(jailerr.ArgumentError, "", err)
				}
				t = time.Unix(secs, 0)
			}
			mtime = &t
			n = 2
		}
		return n, func() error { return e.Builder.Touch(path, mtime) }, nil
	}})

	r.Register(&Command{Keys: []string{"--clone"}, Kind: Queued, Usage: "--clone <src> <dst>", Handler: func(args []string) (int, func() error, error) {
		if err := needArgs("--clone", args, 2); err != nil {
			return 0, nil, err
		}
		src, dst := args[0], args[1]
		return 2, func() error { return e.Builder.Clone(src, dst) }, nil
	}})
	r.Register(&Command{Keys: []string{"--clone-recurse"}, Kind: Queued, Usage: "--clone-recurse [--quick] <src> <dst>", Handler: func(args []string) (int, func() error, error) {
		quick, rest := consumeQuickFlag(args)
		if err := needArgs("--clone-recurse", rest, 2); err != nil {
			return 0, nil, err
		}
		src, dst := rest[0], rest[1]
		consumed := (len(args) - len(rest)) + 2
		return consumed, func() error { return e.Builder.CloneRecurse(src, dst, quick) }, nil
	}})
	r.Register(&Command{Keys: []string{"--clone-from"}, Kind: Queued, Usage: "--clone-from <srcdir> <dstdir> <file>...", Handler: func(args []string) (int, func() error, error) {
		if err := needArgs("--clone-from", args, 3); err != nil {
			return 0, nil, err
		}
		srcdir, dstdir := args[0], args[1]
		n := 2 + consumeTokens(args[2:])
		files := append([]string(nil), args[2:n]...)
		return n, func() error {
			for _, f := range files {
				src := strings.TrimSuffix(srcdir, "/") + "/" + f
				dst := strings.TrimSuffix(dstdir, "/") + "/" + f
				if err := e.Builder.Clone(src, dst); err != nil {
					return err
				}
			}
			return nil
		}, nil
	}})

	return r
}

// looksLikeToken reports whether s is itself a registered-style flag
// token ("-x"/"--xyz") rather than a plain positional argument, the
// heuristic every optional-arg handler above uses to decide whether the
// next token belongs to it.
func looksLikeToken(s string) bool {
	return strings.HasPrefix(s, "-") && len(s) > 1
}

// noShellEnv backs the shell.Fields calls that tokenize --defaults/--etc's
// macro text: the text never uses "$VAR" expansions, only "{key}" tokens
// already resolved by Config.Expand beforehand.
func noShellEnv(string) string { return "" }

// consumeTokens returns how many leading args are plain values (not
// themselves a flag/command token), the arity rule for every variadic
// <path>... / <file>... argument list.
func consumeTokens(args []string) int {
	n := 0
	for n < len(args) && !looksLikeToken(args[n]) {
		n++
	}
	return n
}

func consumeQuickFlag(args []string) (quick bool, rest []string) {
	if len(args) > 0 && args[0] == "--quick" {
		return true, args[1:]
	}
	return false, args
}

// printConfig renders the config bag for `--print`: the default aligned
// text listing, or a YAML dump of the same format dictionary when fmt is
// "yaml".
func printConfig(cfg *jailconfig.Config, format string) error {
	if format != "yaml" {
		jlog.Infof("%s", cfg.String())
		return nil
	}
	out, err := yaml.Marshal(cfg.FormatDict())
	if err != nil {
		return jailerr.Wrap(jailerr.ConfigError, "", err)
	}
	jlog.Infof("%s", string(out))
	return nil
}

func bindSpecs(cfg *jailconfig.Config) []mountplanner.BindSpec {
	specs := make([]mountplanner.BindSpec, 0, len(cfg.Binds))
	for _, b := range cfg.Binds {
		specs = append(specs, mountplanner.BindSpec{Src: b.Src, Opts: b.Opts, Path: b.Path})
	}
	return specs
}

// resolveUserGroup resolves a "user[:group]" spec against the host's
// passwd/group databases into numeric ids, the same lookup Executor does
// for --chuid but needed here too for --mkdir/--chown's owner argument.
func resolveUserGroup(spec string) (uid, gid int, err error) {
	name, group := spec, ""
	if idx := strings.IndexByte(spec, ':'); idx >= 0 {
		name, group = spec[:idx], spec[idx+1:]
	}
	users, err := passwdsynth.ReadPasswdFile("/etc/passwd")
	if err != nil {
		return -1, -1, err
	}
	var user *passwdsynth.UserEntry
	for i := range users {
		if users[i].Name == name {
			user = &users[i]
			break
		}
	}
	if user == nil {
		return -1, -1, jailerr.New(jailerr.ConfigError, "no such user %q", name)
	}
	uid, gid = int(user.UID), int(user.GID)
	if group != "" {
		groups, err := passwdsynth.ReadGroupFile("/etc/group")
		if err != nil {
			return -1, -1, err
		}
		found := false
		for _, g := range groups {
			if g.Name == group {
				gid = int(g.GID)
				found = true
				break
			}
		}
		if !found {
			return -1, -1, jailerr.New(jailerr.ConfigError, "no such group %q", group)
		}
	}
	return uid, gid, nil
}
