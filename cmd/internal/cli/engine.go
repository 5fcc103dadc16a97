package cli

import (
	"strings"

	"github.com/linkdata/jail/internal/pkg/depresolver"
	"github.com/linkdata/jail/internal/pkg/executor"
	"github.com/linkdata/jail/internal/pkg/jailbuilder"
	"github.com/linkdata/jail/internal/pkg/jailconfig"
	"github.com/linkdata/jail/internal/pkg/mountplanner"
	"github.com/linkdata/jail/internal/pkg/policy"
	"github.com/linkdata/jail/internal/pkg/shadowfs"
	"github.com/linkdata/jail/pkg/jailerr"
	"github.com/linkdata/jail/pkg/jlog"
)

// queuedOp is one deferred command, captured in parse order.
type queuedOp struct {
	token string
	try   bool
	run   func() error
}

// Engine owns every construction component and drives the command-queue
// semantics: direct commands run immediately, queued commands run in
// parse order once parsing finishes, --try absorbs exactly the next
// queued command's failure into a warning, and --execute/-- is final.
type Engine struct {
	Config   *jailconfig.Config
	Policy   *policy.Policy
	Resolver *depresolver.Resolver
	Builder  *jailbuilder.Builder
	Planner  *mountplanner.Planner
	Registry *Registry

	queue []queuedOp
}

// NewEngine builds an Engine with a freshly constructed Config/Policy and
// wires every component over them.
func NewEngine() (*Engine, error) {
	cfg := jailconfig.New()
	if cfg.DefaultsFile != "" {
		if err := cfg.LoadDefaults(cfg.DefaultsFile); err != nil {
			return nil, err
		}
	}
	pol := policy.New()
	if err := pol.SetValidName(cfg.ValidNameRx); err != nil {
		return nil, err
	}
	if err := pol.SetWritablePath(cfg.WritePathRx); err != nil {
		return nil, err
	}
	resolver, err := depresolver.New(cfg.LdconfigCmd, cfg.LdconfigRx, cfg.LdlistCmd, cfg.LdlistRx)
	if err != nil {
		return nil, err
	}
	builder := jailbuilder.New(cfg, pol, resolver)
	planner := mountplanner.New(cfg, pol, builder.Host)

	e := &Engine{Config: cfg, Policy: pol, Resolver: resolver, Builder: builder, Planner: planner}
	e.Registry = registerCommands(e)
	return e, nil
}

// Run parses and executes a full command line (os.Args[1:]-shaped).
func (e *Engine) Run(args []string) error {
	args = ExpandShortFlags(args)

	i := 0
	for i < len(args) {
		tok := args[i]
		cmd, ok := e.Registry.Lookup(tok)
		if !ok {
			if strings.HasPrefix(tok, "-") {
				return jailerr.New(jailerr.ArgumentError, "unrecognized option %q", tok)
			}
			// The single positional "user[:group]" argument.
			e.Config.SetUserGroup(tok)
			if !e.Policy.ValidName(e.Config.User) || !e.Policy.ValidName(e.Config.Group) {
				return jailerr.New(jailerr.ConfigError, "invalid user/group name %q", tok)
			}
			// NewEngine built the jail tree before the group was known;
			// root it at this group's jail home now.
			e.Builder.Jail = shadowfs.NewTree(e.Config.FormatDict()["jailhome"], e.Policy)
			i++
			continue
		}

		rest := args[i+1:]
		switch cmd.Kind {
		case Direct:
			n, run, err := cmd.Handler(rest)
			if err != nil {
				return wrapCmdErr(tok, err)
			}
			if err := run(); err != nil {
				return wrapCmdErr(tok, err)
			}
			i += 1 + n

		case Modifier:
			e.Builder.Try()
			i++

		case Queued:
			n, run, err := cmd.Handler(rest)
			if err != nil {
				return wrapCmdErr(tok, err)
			}
			e.queue = append(e.queue, queuedOp{token: tok, try: e.Builder.ConsumeTry(), run: run})
			i += 1 + n

		case Macro:
			tokens, err := cmd.Expand()
			if err != nil {
				return wrapCmdErr(tok, err)
			}
			spliced := make([]string, 0, i+len(tokens)+len(rest))
			spliced = append(spliced, args[:i]...)
			spliced = append(spliced, tokens...)
			spliced = append(spliced, rest...)
			args = spliced

		case Final:
			if err := e.runQueue(); err != nil {
				return err
			}
			return e.runFinal(tok, rest)
		}
	}

	return e.runQueue()
}

func (e *Engine) runQueue() error {
	for _, q := range e.queue {
		err := q.run()
		if err == nil {
			continue
		}
		if q.try {
			jlog.Warningf("%s: %s", q.token, err)
			continue
		}
		return wrapCmdErr(q.token, err)
	}
	e.queue = nil
	return nil
}

func (e *Engine) runFinal(tok string, rest []string) error {
	exec := executor.New(e.Config, e.Builder, e.Planner)
	if err := exec.Run(rest); err != nil {
		return wrapCmdErr(tok, err)
	}
	return nil
}

func wrapCmdErr(tok string, err error) error {
	if err == nil {
		return nil
	}
	return &prefixedError{tok, err}
}

// prefixedError renders as "--bind: <detail>", the token that failed
// followed by its cause, while still unwrapping to the original error so
// jailerr.Is keeps working for callers (and tests) that check Kind.
type prefixedError struct {
	tok   string
	cause error
}

func (p *prefixedError) Error() string { return p.tok + ": " + p.cause.Error() }
func (p *prefixedError) Unwrap() error { return p.cause }
