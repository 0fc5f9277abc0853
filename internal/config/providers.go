package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultProvidersPath is the default provider selection file.
const DefaultProvidersPath = "config/providers.yaml"

// ProviderSpec selects the implementation for one capability.
type ProviderSpec struct {
	Provider string            `yaml:"provider" json:"provider"`
	Model    string            `yaml:"model" json:"model"`
	Endpoint string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Options  map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

// Enabled reports whether a concrete provider is selected.
func (p ProviderSpec) Enabled() bool {
	return p.Provider != "" && p.Provider != "none"
}

// ProvidersConfig is the parsed providers.yaml.
type ProvidersConfig struct {
	Detection    ProviderSpec `yaml:"detection" json:"detection"`
	Segmentation ProviderSpec `yaml:"segmentation" json:"segmentation"`
	OCR          ProviderSpec `yaml:"ocr" json:"ocr"`
}

// LoadProvidersConfig reads a providers YAML file. A missing file yields an
// empty configuration, which disables every capability.
func LoadProvidersConfig(path string) (*ProvidersConfig, error) {
	cleanPath := filepath.Clean(path)
	switch filepath.Ext(cleanPath) {
	case ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("providers file must have .yaml extension, got %q", filepath.Ext(cleanPath))
	}

	data, err := os.ReadFile(cleanPath)
	if errors.Is(err, os.ErrNotExist) {
		return &ProvidersConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}

	var cfg ProvidersConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse providers YAML: %w", err)
	}
	return &cfg, nil
}

// Credentials carries provider secrets sourced from the environment.
type Credentials struct {
	ReplicateToken string
	HFToken        string
	HFSegEndpoint  string
	RoboflowKey    string
	GCVKey         string
	AWSRegion      string
}

// CredentialsFromEnv reads provider secrets using getenv. A nil getenv uses
// os.Getenv.
func CredentialsFromEnv(getenv func(string) string) Credentials {
	if getenv == nil {
		getenv = os.Getenv
	}
	return Credentials{
		ReplicateToken: getenv("REPLICATE_API_TOKEN"),
		HFToken:        getenv("HF_API_TOKEN"),
		HFSegEndpoint:  getenv("HF_SEG_ENDPOINT"),
		RoboflowKey:    getenv("ROBOFLOW_API_KEY"),
		GCVKey:         getenv("GCV_API_KEY"),
		AWSRegion:      getenv("AWS_REGION"),
	}
}

// Presence reports which secrets are configured without exposing values.
func (c Credentials) Presence() map[string]bool {
	return map[string]bool{
		"replicate_token":  c.ReplicateToken != "",
		"hf_api_token":     c.HFToken != "",
		"hf_seg_endpoint":  c.HFSegEndpoint != "",
		"roboflow_api_key": c.RoboflowKey != "",
		"gcv_api_key":      c.GCVKey != "",
		"aws_region":       c.AWSRegion != "",
	}
}
