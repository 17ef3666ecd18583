package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/sandbox"
)

// Type names an agent role.
type Type string

const (
	TypeFrontend      Type = "frontend"
	TypeBackend       Type = "backend"
	TypeFullstack     Type = "fullstack"
	TypeTesting       Type = "testing"
	TypeDevOps        Type = "devops"
	TypeDocumentation Type = "documentation"
)

// Role is the fixed profile of an agent type.
type Role struct {
	Type      Type           `json:"type" yaml:"type"`
	Name      string         `json:"name" yaml:"name"`
	Expertise []string       `json:"expertise" yaml:"expertise"`
	Limits    sandbox.Limits `json:"limits" yaml:"limits"`

	// CLIArgs are passed to the agent CLI before the task prompt.
	CLIArgs []string `json:"cli_args,omitempty" yaml:"cli_args"`
}

// Matches reports whether any expertise keyword occurs in text, ignoring case.
func (r Role) Matches(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range r.Expertise {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// Roles is a set of role profiles keyed by type.
type Roles map[Type]Role

// DefaultRoles returns the built-in role profiles.
func DefaultRoles() Roles {
	return Roles{
		TypeFrontend: {
			Type:      TypeFrontend,
			Name:      "Frontend Engineer",
			Expertise: []string{"React", "UI", "CSS", "Component", "Styling", "Frontend", "Tailwind", "Accessibility"},
			Limits:    sandbox.Limits{MaxCPUPercent: 40, MaxMemoryMB: 2048, MaxDiskMB: 2048},
			CLIArgs:   []string{"--append-system-prompt", "You are a frontend engineer. Focus on UI components, styling and accessibility."},
		},
		TypeBackend: {
			Type:      TypeBackend,
			Name:      "Backend Engineer",
			Expertise: []string{"API", "Database", "Server", "Endpoint", "SQL", "Backend", "Migration"},
			Limits:    sandbox.Limits{MaxCPUPercent: 50, MaxMemoryMB: 2048, MaxDiskMB: 2048},
			CLIArgs:   []string{"--append-system-prompt", "You are a backend engineer. Focus on APIs, data models and server logic."},
		},
		TypeFullstack: {
			Type:      TypeFullstack,
			Name:      "Full-Stack Engineer",
			Expertise: []string{"Full-stack", "Fullstack", "Feature", "Integration", "End-to-end"},
			Limits:    sandbox.Limits{MaxCPUPercent: 60, MaxMemoryMB: 3072, MaxDiskMB: 4096},
			CLIArgs:   []string{"--append-system-prompt", "You are a full-stack engineer. Deliver features across client and server."},
		},
		TypeTesting: {
			Type:      TypeTesting,
			Name:      "QA Engineer",
			Expertise: []string{"Test", "Jest", "Coverage", "E2E", "Bug", "Regression", "QA"},
			Limits:    sandbox.Limits{MaxCPUPercent: 40, MaxMemoryMB: 1536, MaxDiskMB: 2048},
			CLIArgs:   []string{"--append-system-prompt", "You are a QA engineer. Write and run tests, reproduce and isolate bugs."},
		},
		TypeDevOps: {
			Type:      TypeDevOps,
			Name:      "DevOps Engineer",
			Expertise: []string{"Docker", "Deploy", "CI/CD", "Pipeline", "Kubernetes", "Infrastructure", "DevOps"},
			Limits:    sandbox.Limits{MaxCPUPercent: 50, MaxMemoryMB: 2048, MaxDiskMB: 4096},
			CLIArgs:   []string{"--append-system-prompt", "You are a DevOps engineer. Focus on build, deployment and infrastructure."},
		},
		TypeDocumentation: {
			Type:      TypeDocumentation,
			Name:      "Technical Writer",
			Expertise: []string{"Docs", "Documentation", "README", "Guide", "Changelog"},
			Limits:    sandbox.Limits{MaxCPUPercent: 20, MaxMemoryMB: 1024, MaxDiskMB: 1024},
			CLIArgs:   []string{"--append-system-prompt", "You are a technical writer. Keep documentation accurate and concise."},
		},
	}
}

// Lookup returns the profile for t.
func (rs Roles) Lookup(t Type) (Role, error) {
	r, ok := rs[t]
	if !ok {
		return Role{}, fmt.Errorf("%w: %q", ErrUnknownRole, t)
	}
	if r.Type == "" {
		r.Type = t
	}
	return r, nil
}

// Types returns the role types in alphabetical order.
func (rs Roles) Types() []Type {
	out := make([]Type, 0, len(rs))
	for t := range rs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Merge returns a copy of rs with every role in overrides added or replaced.
// Override fields left empty keep the base value.
func (rs Roles) Merge(overrides Roles) Roles {
	out := make(Roles, len(rs)+len(overrides))
	for t, r := range rs {
		out[t] = r
	}
	for t, o := range overrides {
		base := out[t]
		base.Type = t
		if o.Name != "" {
			base.Name = o.Name
		}
		if len(o.Expertise) > 0 {
			base.Expertise = o.Expertise
		}
		if len(o.CLIArgs) > 0 {
			base.CLIArgs = o.CLIArgs
		}
		base.Limits = base.Limits.Merge(o.Limits)
		out[t] = base
	}
	return out
}
