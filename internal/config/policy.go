package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/retrohunt/retrohunt/internal/classification"
	"github.com/retrohunt/retrohunt/internal/retrohunt"
)

// Policy is the access policy file: who may call the API and the
// classification scheme their clearances are expressed in.
type Policy struct {
	Users          []PolicyUser               `yaml:"users"`
	Classification *classification.Definition `yaml:"classification"`

	gate *classification.Engine
}

// PolicyUser maps an API key to an identity.
type PolicyUser struct {
	Uname          string   `yaml:"uname"`
	APIKey         string   `yaml:"api_key"` // supports env expansion
	Classification string   `yaml:"classification"`
	Roles          []string `yaml:"roles"`
}

var knownRoles = map[string]bool{
	retrohunt.RoleRun:  true,
	retrohunt.RoleView: true,
}

// LoadPolicy reads the policy file at path, expands environment variables in
// it and validates it. User clearances are normalized; an empty clearance is
// the lowest level.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 - operator supplied path
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy([]byte(os.ExpandEnv(string(data))))
}

// ParsePolicy decodes and validates an already expanded policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}

	def := classification.DefaultDefinition
	if p.Classification != nil {
		def = *p.Classification
	}
	gate, err := classification.New(def)
	if err != nil {
		return nil, err
	}
	p.gate = gate

	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) validate() error {
	if len(p.Users) == 0 {
		return errors.New("policy: at least one user is required")
	}
	keys := make(map[string]string, len(p.Users))
	for i := range p.Users {
		u := &p.Users[i]
		u.Uname = strings.TrimSpace(u.Uname)
		u.APIKey = strings.TrimSpace(u.APIKey)
		if u.Uname == "" {
			return fmt.Errorf("policy: user %d has no uname", i)
		}
		if u.APIKey == "" {
			return fmt.Errorf("policy: user %q has no api_key", u.Uname)
		}
		if other, dup := keys[u.APIKey]; dup {
			return fmt.Errorf("policy: users %q and %q share an api_key", other, u.Uname)
		}
		keys[u.APIKey] = u.Uname

		if u.Classification == "" {
			u.Classification = p.gate.Lowest()
		}
		level, err := p.gate.Normalize(u.Classification)
		if err != nil {
			return fmt.Errorf("policy: user %q: %w", u.Uname, err)
		}
		u.Classification = level

		for _, r := range u.Roles {
			if !knownRoles[r] {
				return fmt.Errorf("policy: user %q has unknown role %q", u.Uname, r)
			}
		}
	}
	return nil
}

// Gate returns the classification engine built from the policy.
func (p *Policy) Gate() *classification.Engine {
	return p.gate
}

// Identities returns the users of the policy keyed by API key.
func (p *Policy) Identities() map[string]retrohunt.User {
	out := make(map[string]retrohunt.User, len(p.Users))
	for _, u := range p.Users {
		out[u.APIKey] = retrohunt.User{
			Uname:          u.Uname,
			Classification: u.Classification,
			Roles:          u.Roles,
		}
	}
	return out
}
