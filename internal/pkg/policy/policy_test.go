package policy

import (
	"testing"

	"github.com/linkdata/jail/pkg/jailerr"
)

func TestWritableDefaultRejectsOutsideJail(t *testing.T) {
	p := New()
	ok, err := p.Writable("/etc/hosts", "touch /etc/hosts")
	if ok || err == nil {
		t.Fatal("expected /etc/hosts to be refused")
	}
	if !jailerr.Is(err, jailerr.PathPolicyViolation) {
		t.Fatalf("expected PathPolicyViolation, got %v", err)
	}
}

func TestWritableDefaultAllowsJailHome(t *testing.T) {
	p := New()
	ok, err := p.Writable("/var/jailbase/alice/bin/echo", "cp")
	if !ok || err != nil {
		t.Fatalf("expected jail path to be writable, got ok=%v err=%v", ok, err)
	}
}

func TestWritableTestModeSkipsWithoutError(t *testing.T) {
	p := New()
	p.Test = true
	ok, err := p.Writable("/etc/hosts", "touch /etc/hosts")
	if ok {
		t.Fatal("test mode should never report writable=true")
	}
	if err != nil {
		t.Fatalf("test mode should not error even outside the writable path, got %v", err)
	}
}

func TestIsWritablePathIgnoresTestMode(t *testing.T) {
	p := New()
	p.Test = true
	if !p.IsWritablePath("/var/jailbase/alice/bin/echo") {
		t.Fatal("expected jail path to classify as writable regardless of test mode")
	}
	if p.IsWritablePath("/etc/hosts") {
		t.Fatal("expected /etc/hosts to classify as not writable")
	}
}

func TestSetValidNameRejectsBadRegex(t *testing.T) {
	p := New()
	if err := p.SetValidName("("); err == nil {
		t.Fatal("expected compile error")
	}
	if !p.ValidName("bin") {
		t.Fatal("default valid name regex should still accept 'bin'")
	}
}
