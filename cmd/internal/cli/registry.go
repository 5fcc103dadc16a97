// Package cli implements the command-line surface: an explicit registry of
// every token in the jail grammar (direct options, queued construction
// commands, the one-shot --try modifier, and the final --execute), the
// -ab -> -a -b short-flag mapper, and the sequential token-stream parser
// that drives JailBuilder/MountPlanner/Executor from it.
package cli

import (
	"unicode"

	"github.com/linkdata/jail/pkg/jailerr"
)

// CommandKind classifies how a registered token is handled by the
// sequential parser.
type CommandKind int

const (
	// Direct commands run immediately when encountered during parsing and
	// may consume following tokens as their own arguments.
	Direct CommandKind = iota
	// Queued commands are appended to an ordered list and run after the
	// whole command line has been parsed.
	Queued
	// Modifier is the one-shot --try flag.
	Modifier
	// Final is "--"/"--execute", which consumes every remaining token.
	Final
	// Macro expands, the first time it's seen, into a fixed token sequence
	// spliced back into the stream at its own position for the parser to
	// process as if the user had typed it directly.
	Macro
)

// Handler parses a command's arguments out of args (every token following
// the command's own key) and returns how many tokens it consumed plus a
// closure that performs the action. Parsing and running are split so
// Queued commands can be arity-checked and ordered during the parse pass
// while their actual filesystem effects run afterward, in parse order.
type Handler func(args []string) (consumed int, run func() error, err error)

// Command is one registered token in the grammar.
type Command struct {
	Keys    []string
	Kind    CommandKind
	Handler Handler
	Usage   string

	// Expand is used only by Macro commands: it returns the tokens to
	// splice in, or (nil, nil) once already applied.
	Expand func() ([]string, error)
}

// Registry maps every recognized flag/command token to its Command.
type Registry struct {
	byKey   map[string]*Command
	ordered []*Command
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byKey: map[string]*Command{}}
}

// Register adds a Command, indexing it under every one of its Keys.
func (r *Registry) Register(cmd *Command) {
	r.ordered = append(r.ordered, cmd)
	for _, k := range cmd.Keys {
		r.byKey[k] = cmd
	}
}

// Lookup finds the Command registered for token, if any.
func (r *Registry) Lookup(token string) (*Command, bool) {
	cmd, ok := r.byKey[token]
	return cmd, ok
}

// Commands returns every registered Command in registration order.
func (r *Registry) Commands() []*Command {
	return r.ordered
}

// ExpandShortFlags rewrites every token of the form "-ab" (a run of two or
// more letters after a single leading dash) into separate "-a" "-b" ...
// tokens, leaving "--long" options and single-letter "-a" flags untouched.
func ExpandShortFlags(args []string) []string {
	out := make([]string, 0, len(args))
	for _, tok := range args {
		if !isShortFlagRun(tok) {
			out = append(out, tok)
			continue
		}
		for _, r := range tok[1:] {
			out = append(out, "-"+string(r))
		}
	}
	return out
}

func isShortFlagRun(tok string) bool {
	if len(tok) < 3 || tok[0] != '-' || tok[1] == '-' {
		return false
	}
	for _, r := range tok[1:] {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// needArgs returns an ArgumentError naming cmd when fewer than n tokens
// remain, the uniform "insufficient arguments" check every handler opens
// with.
func needArgs(cmd string, args []string, n int) error {
	if len(args) < n {
		return jailerr.New(jailerr.ArgumentError, "%s: expected at least %d argument(s), got %d", cmd, n, len(args))
	}
	return nil
}
