// ABOUTME: Static agent manifest loading from TOML
// ABOUTME: Preloads well-known agents into the registry at startup

package agent

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/BurntSushi/toml"
)

// Manifest describes agents that should exist at startup, typically
// long-lived workers the operator always expects to be routable.
//
//	[[agents]]
//	id = "researcher"
//	name = "Researcher"
//	capabilities = ["research", "summarize"]
type Manifest struct {
	Agents []ManifestAgent `toml:"agents"`
}

// ManifestAgent is one static agent entry.
type ManifestAgent struct {
	ID           string            `toml:"id"`
	Name         string            `toml:"name"`
	Capabilities []string          `toml:"capabilities"`
	Metadata     map[string]string `toml:"metadata"`
}

// LoadManifest parses a TOML manifest file.
func LoadManifest(path string) (*Manifest, error) {
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, fmt.Errorf("parsing agent manifest %s: %w", path, err)
	}

	for i, a := range m.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("agent manifest entry %d: id is required", i)
		}
		if len(a.Capabilities) == 0 {
			return nil, fmt.Errorf("agent manifest entry %q: at least one capability is required", a.ID)
		}
	}
	return &m, nil
}

// Apply registers every manifest agent, skipping ids that already exist.
// Returns the number of agents registered.
func (m *Manifest) Apply(registry *Registry, logger *slog.Logger) (int, error) {
	registered := 0
	for _, entry := range m.Agents {
		name := entry.Name
		if name == "" {
			name = entry.ID
		}
		_, err := registry.Register(entry.ID, name, entry.Capabilities, entry.Metadata)
		if errors.Is(err, ErrDuplicateAgent) {
			logger.Warn("manifest agent already registered, skipping", "agent_id", entry.ID)
			continue
		}
		if err != nil {
			return registered, fmt.Errorf("registering manifest agent %q: %w", entry.ID, err)
		}
		registered++
	}
	return registered, nil
}
