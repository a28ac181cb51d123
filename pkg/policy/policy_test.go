package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultHelpers(t *testing.T) {
	p := Default()

	if !p.OptedOut(p.OptOutUsers[0]) {
		t.Error("first opt-out user not recognized")
	}
	if p.OptedOut("someone-else") {
		t.Error("unknown user reported as opted out")
	}
	if !p.NoiseAttr("tests.nixos-functions.nixos-test") {
		t.Error("known noise attribute not recognized")
	}
	if p.NoiseAttr("zsh") {
		t.Error("ordinary attribute reported as noise")
	}
	if !p.SkipBase("NixOS:haskell-updates") {
		t.Error("haskell-updates base not skipped")
	}
	if p.SkipBase("NixOS:master") {
		t.Error("master base skipped")
	}
}

func TestLoadOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	yaml := `
bot_login: other-bot
opt_out_users:
  - onlyme
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if p.BotLogin != "other-bot" {
		t.Errorf("BotLogin = %q, want the overlay value", p.BotLogin)
	}
	if len(p.OptOutUsers) != 1 || p.OptOutUsers[0] != "onlyme" {
		t.Errorf("OptOutUsers = %v, want the overlay list to replace the default", p.OptOutUsers)
	}
	// Untouched fields keep their defaults.
	if len(p.NoiseAttrs) == 0 {
		t.Error("NoiseAttrs lost its default")
	}
}

func TestLoadEmptyPath(t *testing.T) {
	p, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.BotLogin != Default().BotLogin {
		t.Errorf("BotLogin = %q, want the default", p.BotLogin)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load succeeded on a missing file")
	}
}
