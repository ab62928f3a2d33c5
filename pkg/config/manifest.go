package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ManifestJob is one scheduled job declared in the jobs manifest. Manifest
// jobs run a fiche task on a cron schedule; builtin jobs are registered in
// code instead.
type ManifestJob struct {
	ID             string   `yaml:"id"`
	Cron           string   `yaml:"cron"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	MaxAttempts    int      `yaml:"max_attempts"`
	Secrets        []string `yaml:"secrets"`
	Description    string   `yaml:"description"`
	Task           string   `yaml:"task"`
}

// IsEnabled defaults to true when the manifest omits the flag.
func (j *ManifestJob) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

// Manifest is the parsed jobs.yaml.
type Manifest struct {
	Jobs []ManifestJob `yaml:"jobs"`
}

// LoadManifest parses the jobs manifest at path. An empty path yields an
// empty manifest.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return &Manifest{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading jobs manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing jobs manifest: %w", err)
	}
	seen := make(map[string]bool, len(m.Jobs))
	for i := range m.Jobs {
		job := &m.Jobs[i]
		if job.ID == "" {
			return nil, fmt.Errorf("jobs manifest entry %d: id is required", i)
		}
		if seen[job.ID] {
			return nil, fmt.Errorf("jobs manifest: duplicate job id %q", job.ID)
		}
		seen[job.ID] = true
		if job.Cron == "" {
			return nil, fmt.Errorf("jobs manifest job %q: cron is required", job.ID)
		}
		if job.TimeoutSeconds <= 0 {
			job.TimeoutSeconds = 300
		}
		if job.MaxAttempts <= 0 {
			job.MaxAttempts = 3
		}
	}
	return &m, nil
}
