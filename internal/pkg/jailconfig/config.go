// Package jailconfig implements JailConfig: the open bag of named,
// introspectable properties every other component reads, plus the
// "{key}" format-dictionary substitution used throughout the CLI grammar.
package jailconfig

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"github.com/linkdata/jail/pkg/jailerr"
)

// Bind is one (src, options-or-"auto", mount-path) triple from the
// ordered `binds` sequence.
type Bind struct {
	Src  string
	Opts string
	Path string
}

// Config is the property bag. Fields are read and written directly (there
// is no by-name Get/Set); FormatDict exposes a fixed subset of them by name
// to resolve "{key}" tokens.
type Config struct {
	// identity
	User  string
	Group string
	UID   int
	GID   int

	// directory-name fragment and the four roots derived from it
	JailBase   string
	JailTmp    string
	JailHome   string
	JailMount  string
	JailDev    string
	UserHome   string
	DefaultsText string
	EtcText      string

	// modes
	Verbose bool
	Test    bool
	Passwd  bool
	DNS     bool
	Lazy    bool
	Umask   int
	Chdir   string
	Chuid   string

	// one-shot macro guards: --defaults and --etc expand into a fixed
	// token sequence the first time they're seen, a no-op afterward
	DefaultsApplied bool
	EtcApplied      bool

	// resolver configuration
	ValidNameRx  string
	WritePathRx  string
	LdconfigCmd  string
	LdconfigRx   string
	LdlistCmd    string
	LdlistRx     string

	Binds []Bind

	// ambient: session correlation id and optional defaults file (4.8)
	BuildID      string
	DefaultsFile string
}

const (
	defaultJailBase  = "jailbase"
	defaultLdconfig  = "ldconfig -p"
	defaultLdconfigRx = `^\s*(\S+)\s*\(.*\)\s*=>\s*(\S+)\s*$`
	defaultLdlist     = "{ldlinux_so} --list {path}"
	defaultLdlistRx   = `\s+(\S+)\s+=>(\s*\S+\s*)?\(0x.+\)`
)

// New builds a Config with every built-in default applied, plus a fresh
// build-session id.
func New() *Config {
	base := envOr("JAILBASE", defaultJailBase)
	c := &Config{
		JailBase:    base,
		JailTmp:     envOr("JAILTMP", "/tmp/"+base),
		JailHome:    envOr("JAILHOME", "/var/"+base),
		JailMount:   envOr("JAILMOUNT", "/mnt/"+base),
		ValidNameRx: `^[a-zA-Z0-9._@%+=:,\-]+$`,
		WritePathRx: `^/(tmp|(run|mnt|var)/` + base + `)($|/)`,
		LdconfigCmd: defaultLdconfig,
		LdconfigRx:  defaultLdconfigRx,
		LdlistCmd:   defaultLdlist,
		LdlistRx:    defaultLdlistRx,
		UID:          -1,
		GID:          -1,
		BuildID:      uuid.NewString(),
		DefaultsFile: os.Getenv("JAILDEFAULTS"),
	}
	c.JailDev = c.JailTmp + "/.dev"
	c.EtcText = "" +
		"--try --add /etc/hostname " +
		"--try --add /etc/hosts " +
		"--try --add /etc/resolv.conf " +
		"--try --add /etc/services " +
		"--try --add /etc/protocols " +
		"--try --add /etc/nsswitch.conf " +
		"--try --add /etc/mime.types " +
		"--try --add /etc/timezone " +
		"--try --clone /etc/localtime /etc/localtime"
	c.DefaultsText = "" +
		"--tmp --dev --etc --passwd " +
		"--try --mkdir {jailtmp}/{user} " +
		"--try --clone /usr/share /usr/share " +
		"--try --clone /usr/lib /usr/lib " +
		"--try --ln-s ../{jailbase}/.dev {jailhome}/dev " +
		"--try --ln-s ../{jailbase}/.tmp {jailhome}/tmp"
	return c
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// SetUserGroup applies the positional "user[:group]" argument, defaulting
// group to user when absent.
func (c *Config) SetUserGroup(spec string) {
	if idx := strings.IndexByte(spec, ':'); idx >= 0 {
		c.User = spec[:idx]
		c.Group = spec[idx+1:]
	} else {
		c.User = spec
		c.Group = spec
	}
}

// FormatDict builds the string-valued map used to resolve "{key}" tokens
// in user-supplied strings, built fresh from the current field values.
func (c *Config) FormatDict() map[string]string {
	return map[string]string{
		"jailbase":      c.JailBase,
		"jailpriv":      c.JailHome + "/" + c.Group,
		"jailhome":      c.JailHome + "/" + c.Group,
		"jailmount":     c.JailMount + "/" + c.User,
		"jailtmp":       c.JailTmp,
		"jaildev":       c.JailDev,
		"userhome":      c.UserHome,
		"user":          c.User,
		"group":         c.Group,
		"uid":           strconv.Itoa(c.UID),
		"gid":           strconv.Itoa(c.GID),
		"defaults_text": c.DefaultsText,
		"etc_text":      c.EtcText,
		"buildid":       c.BuildID,
	}
}

var tokenRx = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Expand resolves every "{key}" token in s against FormatDict(); an
// unknown key is a ConfigError.
func (c *Config) Expand(s string) (string, error) {
	dict := c.FormatDict()
	var outerErr error
	out := tokenRx.ReplaceAllStringFunc(s, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := dict[key]
		if !ok {
			outerErr = jailerr.New(jailerr.ConfigError, "unknown format key %q", key)
			return m
		}
		return v
	})
	if outerErr != nil {
		return "", outerErr
	}
	return out, nil
}

// String renders the config as an aligned "key = value" listing, the
// human-readable print form `--print` produces.
func (c *Config) String() string {
	dict := c.FormatDict()
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sortStrings(keys)
	var b strings.Builder
	width := 0
	for _, k := range keys {
		if len(k) > width {
			width = len(k)
		}
	}
	for _, k := range keys {
		fmt.Fprintf(&b, "%-*s = %s\n", width, k, dict[k])
	}
	for _, bind := range c.Binds {
		fmt.Fprintf(&b, "%-*s = %s %s %s\n", width, "bind", bind.Src, bind.Opts, bind.Path)
	}
	return b.String()
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// defaultsFile is the shape LoadDefaults parses; unknown keys are a
// ConfigError since the property bag is closed over this known set.
type defaultsFile struct {
	User        string `yaml:"user"`
	Group       string `yaml:"group"`
	UID         *int   `yaml:"uid"`
	GID         *int   `yaml:"gid"`
	JailBase    string `yaml:"jailbase"`
	JailHome    string `yaml:"jailhome"`
	JailMount   string `yaml:"jailmount"`
	JailTmp     string `yaml:"jailtmp"`
	DNS         *bool  `yaml:"dns"`
	Lazy        *bool  `yaml:"lazy"`
	Umask       *int   `yaml:"umask"`
	ValidName   string `yaml:"validname"`
	WritePath   string `yaml:"writepath"`
	LdconfigCmd string `yaml:"ldconfig_cmd"`
	LdconfigRx  string `yaml:"ldconfig_rx"`
	LdlistCmd   string `yaml:"ldlist_cmd"`
	LdlistRx    string `yaml:"ldlist_rx"`
}

// LoadDefaults seeds the config from a YAML file of property overrides,
// applied before CLI parsing so CLI options always win.
func (c *Config) LoadDefaults(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return jailerr.Wrap(jailerr.ConfigError, path, err)
	}
	var d defaultsFile
	if err := yaml.UnmarshalStrict(raw, &d); err != nil {
		return jailerr.Wrap(jailerr.ConfigError, path, err)
	}
	if d.User != "" {
		c.User = d.User
	}
	if d.Group != "" {
		c.Group = d.Group
	}
	if d.UID != nil {
		c.UID = *d.UID
	}
	if d.GID != nil {
		c.GID = *d.GID
	}
	if d.JailBase != "" {
		c.JailBase = d.JailBase
	}
	if d.JailHome != "" {
		c.JailHome = d.JailHome
	}
	if d.JailMount != "" {
		c.JailMount = d.JailMount
	}
	if d.JailTmp != "" {
		c.JailTmp = d.JailTmp
	}
	if d.DNS != nil {
		c.DNS = *d.DNS
	}
	if d.Lazy != nil {
		c.Lazy = *d.Lazy
	}
	if d.Umask != nil {
		c.Umask = *d.Umask
	}
	if d.ValidName != "" {
		c.ValidNameRx = d.ValidName
	}
	if d.WritePath != "" {
		c.WritePathRx = d.WritePath
	}
	if d.LdconfigCmd != "" {
		c.LdconfigCmd = d.LdconfigCmd
	}
	if d.LdconfigRx != "" {
		c.LdconfigRx = d.LdconfigRx
	}
	if d.LdlistCmd != "" {
		c.LdlistCmd = d.LdlistCmd
	}
	if d.LdlistRx != "" {
		c.LdlistRx = d.LdlistRx
	}
	return nil
}
