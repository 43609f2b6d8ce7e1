package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// InstanceProfile is an optional YAML file describing one deployment of the
// board. Environment variables override anything set here.
type InstanceProfile struct {
	Name          string `yaml:"name"`
	BoardURL      string `yaml:"board_url"`
	BindAddr      string `yaml:"bind_addr"`
	DataDir       string `yaml:"data_dir"`
	TaskSourceURL string `yaml:"task_source_url"`
	RepoURL       string `yaml:"repo_url"`
	LogLevel      string `yaml:"log_level"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
}

// LoadProfile reads and parses an instance profile.
func LoadProfile(path string) (*InstanceProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile %q: %w", path, err)
	}

	var profile InstanceProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("config: parse profile %q: %w", path, err)
	}
	return &profile, nil
}
