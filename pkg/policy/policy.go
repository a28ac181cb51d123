package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy collects the tunable lists that steer dispatch and publishing.
// Every field has a built-in default; a YAML file can override any of
// them without a rebuild.
type Policy struct {
	// BotLogin is the account the bot posts comments as. A prior comment
	// by this login switches publishing into edit mode.
	BotLogin string `yaml:"bot_login"`

	// OptOutUsers are authors who asked not to receive clean-build
	// notifications. Failures are still reported.
	OptOutUsers []string `yaml:"opt_out_users"`

	// NoiseAttrs are attribute names dropped from evaluations because
	// they show up in nearly every change and carry no signal.
	NoiseAttrs []string `yaml:"noise_attrs"`

	// SkipBaseBranches lists base-branch labels whose pull requests are
	// ignored entirely.
	SkipBaseBranches []string `yaml:"skip_base_branches"`
}

// Default returns the built-in policy.
func Default() Policy {
	return Policy{
		BotLogin: "r-rmcgibbo",
		OptOutUsers: []string{
			"alyssais",
			"ashkitten",
			"andir",
			"edef1c",
			"mweinelt",
			"adisbladis",
			"NinjaTrappeur",
			"vbgl",
		},
		NoiseAttrs: []string{
			"tests.nixos-functions.nixos-test",
			"tests.nixos-functions.nixosTest-test",
		},
		SkipBaseBranches: []string{
			"NixOS:haskell-updates",
		},
	}
}

// Load returns the default policy overlaid with the YAML file at path.
// An empty path returns the defaults unchanged.
func Load(path string) (Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	return p, nil
}

// OptedOut reports whether login is in the opt-out list.
func (p Policy) OptedOut(login string) bool {
	return contains(p.OptOutUsers, login)
}

// NoiseAttr reports whether attr should be dropped from evaluations.
func (p Policy) NoiseAttr(attr string) bool {
	return contains(p.NoiseAttrs, attr)
}

// SkipBase reports whether pull requests against the given base label are
// ignored.
func (p Policy) SkipBase(label string) bool {
	return contains(p.SkipBaseBranches, label)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
