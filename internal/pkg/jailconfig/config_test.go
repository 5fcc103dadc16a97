package jailconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/linkdata/jail/pkg/jailerr"
)

func TestSetUserGroupSplitsOnColon(t *testing.T) {
	c := New()
	c.SetUserGroup("alice:wheel")
	if c.User != "alice" || c.Group != "wheel" {
		t.Fatalf("got user=%q group=%q", c.User, c.Group)
	}
	c.SetUserGroup("bob")
	if c.User != "bob" || c.Group != "bob" {
		t.Fatalf("expected group to default to user, got user=%q group=%q", c.User, c.Group)
	}
}

func TestExpandResolvesKnownKeys(t *testing.T) {
	c := New()
	c.SetUserGroup("alice")
	out, err := c.Expand("{jailhome}/bin/sh")
	if err != nil {
		t.Fatal(err)
	}
	want := c.JailHome + "/alice/bin/sh"
	if out != want {
		t.Fatalf("Expand() = %q, want %q", out, want)
	}
}

func TestExpandUnknownKeyIsConfigError(t *testing.T) {
	c := New()
	_, err := c.Expand("{nope}")
	if !jailerr.Is(err, jailerr.ConfigError) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestLoadDefaultsAppliesBeforeCLIWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "defaults.yaml")
	if err := os.WriteFile(path, []byte("user: alice\ndns: true\numask: 18\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := New()
	if err := c.LoadDefaults(path); err != nil {
		t.Fatal(err)
	}
	if c.User != "alice" || !c.DNS || c.Umask != 18 {
		t.Fatalf("defaults not applied: user=%q dns=%v umask=%d", c.User, c.DNS, c.Umask)
	}
	// CLI applied after LoadDefaults always wins.
	c.SetUserGroup("bob")
	if c.User != "bob" {
		t.Fatal("CLI-applied value should override the defaults file")
	}
}

func TestLoadDefaultsRejectsUnknownKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "defaults.yaml")
	if err := os.WriteFile(path, []byte("not_a_real_key: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := New()
	if err := c.LoadDefaults(path); err == nil {
		t.Fatal("expected ConfigError for unknown key")
	}
}

func TestStringRendersAlignedListing(t *testing.T) {
	c := New()
	c.SetUserGroup("alice")
	s := c.String()
	if s == "" {
		t.Fatal("expected non-empty listing")
	}
}
