package io

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wasihub/wasihub/internal/log"
	"github.com/wasihub/wasihub/internal/model"
)

// ConfigYAMLRepository loads the host configuration from a YAML file.
type ConfigYAMLRepository struct {
	fs     fs.FS
	path   string
	logger log.Logger
}

// NewConfigYAMLRepository creates a new YAML config repository.
func NewConfigYAMLRepository(fsys fs.FS, path string, logger log.Logger) (*ConfigYAMLRepository, error) {
	if fsys == nil {
		return nil, fmt.Errorf("fs is required")
	}
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if logger == nil {
		logger = log.Noop
	}

	return &ConfigYAMLRepository{
		fs:     fsys,
		path:   path,
		logger: logger.WithValues(log.Kv{"svc": "storage.ConfigYAML"}),
	}, nil
}

// GetHostConfig loads and validates the host configuration.
func (r *ConfigYAMLRepository) GetHostConfig(ctx context.Context) (*model.HostConfig, error) {
	data, err := fs.ReadFile(r.fs, r.path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file %q: %w", r.path, err)
	}

	cy := configYAML{}
	if err := yaml.Unmarshal(data, &cy); err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}
	cy.defaults()

	cfg, err := cy.toModel()
	if err != nil {
		return nil, fmt.Errorf("could not map config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	r.logger.Debugf("Loaded config with %d units", len(cfg.Units))

	return cfg, nil
}

type configYAML struct {
	PollInterval  string      `yaml:"poll_interval"`
	ListenAddress string      `yaml:"listen_address"`
	HAL           string      `yaml:"hal"`
	LEDCount      int         `yaml:"led_count"`
	BuzzerPin     uint8       `yaml:"buzzer_pin"`
	Cluster       clusterYAML `yaml:"cluster"`
	Units         []unitYAML  `yaml:"units"`
}

type clusterYAML struct {
	Role   string            `yaml:"role"`
	NodeID string            `yaml:"node_id"`
	HubURL string            `yaml:"hub_url"`
	Peers  map[string]string `yaml:"peers"`
}

type unitYAML struct {
	Name         string   `yaml:"name"`
	Kind         string   `yaml:"kind"`
	Path         string   `yaml:"path"`
	Capabilities []string `yaml:"capabilities"`
	Enabled      *bool    `yaml:"enabled"`
	BusAddress   uint8    `yaml:"bus_address"`
	Pin          uint8    `yaml:"pin"`
}

func (c *configYAML) defaults() {
	if c.PollInterval == "" {
		c.PollInterval = "2s"
	}
	if c.ListenAddress == "" {
		c.ListenAddress = ":8080"
	}
	if c.HAL == "" {
		c.HAL = string(model.HALKindMock)
	}
	if c.LEDCount == 0 {
		c.LEDCount = 11
	}
	if c.Cluster.Role == "" {
		c.Cluster.Role = string(model.NodeRoleHub)
	}
	if c.Cluster.NodeID == "" {
		c.Cluster.NodeID = "local"
	}
}

func (c *configYAML) toModel() (*model.HostConfig, error) {
	interval, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid poll interval %q: %w", c.PollInterval, err)
	}

	units := make([]model.Unit, 0, len(c.Units))
	for _, uy := range c.Units {
		caps := make([]model.Capability, 0, len(uy.Capabilities))
		for _, c := range uy.Capabilities {
			caps = append(caps, model.Capability(c))
		}

		// Units run unless explicitly disabled.
		enabled := true
		if uy.Enabled != nil {
			enabled = *uy.Enabled
		}

		units = append(units, model.Unit{
			Name:         uy.Name,
			Kind:         model.UnitKind(uy.Kind),
			Path:         uy.Path,
			Capabilities: caps,
			Enabled:      enabled,
			BusAddress:   uy.BusAddress,
			Pin:          uy.Pin,
		})
	}

	return &model.HostConfig{
		PollInterval:  interval,
		ListenAddress: c.ListenAddress,
		HAL:           model.HALKind(c.HAL),
		LEDCount:      c.LEDCount,
		BuzzerPin:     c.BuzzerPin,
		Cluster: model.ClusterConfig{
			Role:   model.NodeRole(c.Cluster.Role),
			NodeID: c.Cluster.NodeID,
			HubURL: c.Cluster.HubURL,
			Peers:  c.Cluster.Peers,
		},
		Units: units,
	}, nil
}
