// Package project maintains the allowlist of project roots that threads
// may pin as their working directory.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/common/logger"
)

// Project is one allowlisted root.
type Project struct {
	Path string `yaml:"path" json:"path"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

type catalogFile struct {
	Projects []Project `yaml:"projects"`
}

// Catalog is the merged allowlist of project roots. An empty catalog
// admits any absolute path.
type Catalog struct {
	projects []Project
	log      *logger.Logger
}

// Load merges the inline configured roots with the optional projects.yaml
// file. A configured file that cannot be read or parsed is a hard error.
func Load(cfg *config.Config, log *logger.Logger) (*Catalog, error) {
	c := &Catalog{log: log.WithComponent("projects")}

	for _, root := range cfg.Projects.Roots {
		c.add(Project{Path: root})
	}

	if cfg.Projects.File != "" {
		data, err := os.ReadFile(cfg.Projects.File)
		if err != nil {
			return nil, fmt.Errorf("read projects file: %w", err)
		}
		var parsed catalogFile
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("parse projects file %s: %w", cfg.Projects.File, err)
		}
		for _, p := range parsed.Projects {
			c.add(p)
		}
	}

	c.log.Info("project allowlist loaded", zap.Int("roots", len(c.projects)))
	return c, nil
}

func (c *Catalog) add(p Project) {
	p.Path = cleanPath(p.Path)
	if p.Path == "" || p.Path == "." {
		return
	}
	if !filepath.IsAbs(p.Path) {
		c.log.Warn("skipping relative allowlist root", zap.String("path", p.Path))
		return
	}
	for i, existing := range c.projects {
		if existing.Path == p.Path {
			// The file entry may carry a display name the inline root lacks.
			if existing.Name == "" && p.Name != "" {
				c.projects[i].Name = p.Name
			}
			return
		}
	}
	c.projects = append(c.projects, p)
}

// List returns the allowlisted roots.
func (c *Catalog) List() []Project {
	out := make([]Project, len(c.projects))
	copy(out, c.projects)
	return out
}

// Validate cleans path and checks it against the allowlist. Backslashes
// are treated as forward slashes on input.
func (c *Catalog) Validate(path string) (string, error) {
	cleaned := cleanPath(path)
	if !filepath.IsAbs(cleaned) {
		return "", errors.BadRequest(fmt.Sprintf("project path must be absolute: %s", path))
	}
	if len(c.projects) == 0 {
		return cleaned, nil
	}
	for _, p := range c.projects {
		if strings.HasPrefix(cleaned+"/", p.Path+"/") {
			return cleaned, nil
		}
	}
	return "", errors.FSPathForbidden(path)
}

func cleanPath(path string) string {
	return filepath.Clean(strings.ReplaceAll(path, "\\", "/"))
}
