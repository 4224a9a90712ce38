package io_test

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasihub/wasihub/internal/model"
	storageio "github.com/wasihub/wasihub/internal/storage/io"
)

func TestGetHostConfig(t *testing.T) {
	tests := map[string]struct {
		config    string
		expErr    bool
		expConfig *model.HostConfig
	}{
		"A full config should map every field.": {
			config: `
poll_interval: 5s
listen_address: ":9090"
hal: linux
led_count: 8
buzzer_pin: 18
cluster:
  role: spoke
  node_id: pi4
  hub_url: http://hub:8080
units:
  - name: temp
    kind: sensor
    path: /units/temp.wasm
    capabilities: [bus, system]
    bus_address: 0x40
  - name: leds
    kind: display
    path: /units/leds.wasm
    capabilities: [actuator]
    enabled: false
`,
			expConfig: &model.HostConfig{
				PollInterval:  5 * time.Second,
				ListenAddress: ":9090",
				HAL:           model.HALKindLinux,
				LEDCount:      8,
				BuzzerPin:     18,
				Cluster: model.ClusterConfig{
					Role:   model.NodeRoleSpoke,
					NodeID: "pi4",
					HubURL: "http://hub:8080",
				},
				Units: []model.Unit{
					{Name: "temp", Kind: model.UnitKindSensor, Path: "/units/temp.wasm", Capabilities: []model.Capability{model.CapabilityBus, model.CapabilitySystem}, Enabled: true, BusAddress: 0x40},
					{Name: "leds", Kind: model.UnitKindDisplay, Path: "/units/leds.wasm", Capabilities: []model.Capability{model.CapabilityActuator}, Enabled: false},
				},
			},
		},
		"A minimal config should get defaults.": {
			config: `
units:
  - name: temp
    kind: sensor
    path: /units/temp.wasm
`,
			expConfig: &model.HostConfig{
				PollInterval:  2 * time.Second,
				ListenAddress: ":8080",
				HAL:           model.HALKindMock,
				LEDCount:      11,
				Cluster: model.ClusterConfig{
					Role:   model.NodeRoleHub,
					NodeID: "local",
				},
				Units: []model.Unit{
					{Name: "temp", Kind: model.UnitKindSensor, Path: "/units/temp.wasm", Capabilities: []model.Capability{}, Enabled: true},
				},
			},
		},
		"Malformed YAML should fail.": {
			config: `poll_interval: [`,
			expErr: true,
		},
		"An invalid poll interval should fail.": {
			config: `poll_interval: soon`,
			expErr: true,
		},
		"A config that fails validation should fail.": {
			config: `
units:
  - name: temp
    kind: daemon
    path: /units/temp.wasm
`,
			expErr: true,
		},
		"A spoke without hub url should fail.": {
			config: `
cluster:
  role: spoke
  node_id: pi4
`,
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			fsys := fstest.MapFS{
				"etc/wasihub.yaml": &fstest.MapFile{Data: []byte(test.config)},
			}
			repo, err := storageio.NewConfigYAMLRepository(fsys, "etc/wasihub.yaml", nil)
			require.NoError(t, err)

			cfg, err := repo.GetHostConfig(context.Background())

			if test.expErr {
				assert.Error(err)
			} else {
				assert.NoError(err)
				assert.Equal(test.expConfig, cfg)
			}
		})
	}
}

func TestGetHostConfigMissingFile(t *testing.T) {
	assert := assert.New(t)

	repo, err := storageio.NewConfigYAMLRepository(fstest.MapFS{}, "etc/wasihub.yaml", nil)
	require.NoError(t, err)

	_, err = repo.GetHostConfig(context.Background())
	assert.Error(err)
}
