// Package setup handles swarm project initialization.
package setup

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyberkrunk69/black-swarm-sub007/internal/model"
	atomicyaml "github.com/cyberkrunk69/black-swarm-sub007/internal/yaml"
)

// SwarmDir is the state directory created at the project root.
const SwarmDir = ".swarm"

// Run initializes the .swarm/ directory structure in the given project
// directory. projectName defaults to the directory basename.
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, SwarmDir)

	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		"locks",
		"events",
		"quarantine",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg := model.DefaultConfig()
	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(absDir)
	}
	cfg.Swarm.ProjectRoot = absDir
	cfg.Swarm.Created = time.Now().Format(time.RFC3339)

	if err := atomicyaml.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	if err := atomicyaml.AtomicWrite(filepath.Join(base, "queue.yaml"), model.NewQueueDocument(cfg.Swarm.Endpoint)); err != nil {
		return fmt.Errorf("write queue.yaml: %w", err)
	}

	if err := atomicyaml.GenerateSkeleton(filepath.Join(base, "capabilities.yaml"), "capability_registry"); err != nil {
		return fmt.Errorf("write capabilities.yaml: %w", err)
	}

	return nil
}

// FindSwarmDir walks up from startDir looking for a .swarm directory.
func FindSwarmDir(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolve start dir: %w", err)
	}

	for {
		candidate := filepath.Join(dir, SwarmDir)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s directory found from %s upward (run swarm init first)", SwarmDir, startDir)
		}
		dir = parent
	}
}
