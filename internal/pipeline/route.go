package pipeline

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	yamlv3 "gopkg.in/yaml.v3"

	swarmyaml "github.com/cyberkrunk69/black-swarm-sub007/internal/yaml"
)

// Capability is one entry in the routing registry.
type Capability struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Context  string   `yaml:"context"`
}

type capabilityRegistry struct {
	SchemaVersion int          `yaml:"schema_version"`
	FileType      string       `yaml:"file_type"`
	Capabilities  []Capability `yaml:"capabilities"`
}

// Route is the routing result carried on events and injected into the
// dispatch payload.
type Route struct {
	Capability string
	Confidence float64
	Context    string
}

// Router matches task descriptions against the capability registry by
// keyword overlap. Registry loads are deduplicated across concurrent
// matches and cached for a short TTL.
type Router struct {
	registryPath  string
	minConfidence float64

	group singleflight.Group

	mu       sync.RWMutex
	cached   []Capability
	cachedAt time.Time
	cacheTTL time.Duration
}

func NewRouter(registryPath string, minConfidence float64) *Router {
	return &Router{
		registryPath:  registryPath,
		minConfidence: minConfidence,
		cacheTTL:      30 * time.Second,
	}
}

// Match returns the best-scoring capability for a description, or nil
// when nothing clears the confidence floor. A missing registry means no
// routing, not an error.
func (r *Router) Match(description string) (*Route, error) {
	capabilities, err := r.load()
	if err != nil {
		return nil, err
	}
	if len(capabilities) == 0 {
		return nil, nil
	}

	words := tokenize(description)
	if len(words) == 0 {
		return nil, nil
	}

	var best *Route
	for _, capability := range capabilities {
		if len(capability.Keywords) == 0 {
			continue
		}
		hits := 0
		for _, keyword := range capability.Keywords {
			if words[strings.ToLower(keyword)] {
				hits++
			}
		}
		confidence := float64(hits) / float64(len(capability.Keywords))
		if confidence < r.minConfidence {
			continue
		}
		if best == nil || confidence > best.Confidence {
			best = &Route{
				Capability: capability.Name,
				Confidence: confidence,
				Context:    capability.Context,
			}
		}
	}
	return best, nil
}

func (r *Router) load() ([]Capability, error) {
	r.mu.RLock()
	if r.cached != nil && time.Since(r.cachedAt) < r.cacheTTL {
		cached := r.cached
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	result, err, _ := r.group.Do("registry", func() (any, error) {
		content, err := os.ReadFile(r.registryPath)
		if err != nil {
			if os.IsNotExist(err) {
				return []Capability(nil), nil
			}
			return nil, fmt.Errorf("read capability registry: %w", err)
		}
		if err := swarmyaml.ValidateSchemaHeaderFromBytes(content, "capability_registry"); err != nil {
			return nil, fmt.Errorf("capability registry header: %w", err)
		}
		var registry capabilityRegistry
		if err := yamlv3.Unmarshal(content, &registry); err != nil {
			return nil, fmt.Errorf("parse capability registry: %w", err)
		}
		return registry.Capabilities, nil
	})
	if err != nil {
		return nil, err
	}

	capabilities := result.([]Capability)
	r.mu.Lock()
	r.cached = capabilities
	r.cachedAt = time.Now()
	r.mu.Unlock()
	return capabilities, nil
}

// Invalidate drops the cached registry so the next match reloads it.
func (r *Router) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}

func tokenize(s string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	words := make(map[string]bool, len(fields))
	for _, f := range fields {
		words[f] = true
	}
	return words
}
