package gavel

import (
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"gantry/internal/task"
)

// SourceRegistry maps source-id patterns to authorities. Policy is
// configuration, not code: the registry is read once at startup and cached.
type SourceRegistry struct {
	rules []registryRule
}

type registryRule struct {
	Pattern   string `yaml:"pattern"`
	Authority string `yaml:"authority"`
}

type registryFile struct {
	Sources []registryRule `yaml:"sources"`
}

// DefaultRegistryYAML is the starter registry written by `gantry init`.
const DefaultRegistryYAML = `# Source registry: id pattern -> authority.
# MANDATORY requires code evidence; STRONG requires evidence or an override
# justification; DEFAULT has no evidence requirement.
sources:
  - pattern: "HIPAA-*"
    authority: MANDATORY
  - pattern: "SEC-*"
    authority: MANDATORY
  - pattern: "PRO-*"
    authority: STRONG
  - pattern: "DR-*"
    authority: STRONG
  - pattern: "STD-*"
    authority: DEFAULT
`

// LoadRegistry reads and parses the registry at regPath. A missing file
// yields an empty registry (everything DEFAULT).
func LoadRegistry(regPath string) (*SourceRegistry, error) {
	data, err := os.ReadFile(regPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &SourceRegistry{}, nil
		}
		return nil, fmt.Errorf("failed to read source registry: %w", err)
	}

	var rf registryFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse source registry: %w", err)
	}
	return &SourceRegistry{rules: rf.Sources}, nil
}

// Resolve maps a source id to its authority. Unknown ids are DEFAULT.
func (r *SourceRegistry) Resolve(sourceID string) task.Authority {
	for _, rule := range r.rules {
		if matched, _ := path.Match(rule.Pattern, sourceID); matched {
			switch strings.ToUpper(rule.Authority) {
			case "MANDATORY":
				return task.AuthorityMandatory
			case "STRONG":
				return task.AuthorityStrong
			default:
				return task.AuthorityDefault
			}
		}
	}
	return task.AuthorityDefault
}
