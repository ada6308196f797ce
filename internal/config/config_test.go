package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, "build-worker", cfg.App.Name)
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "builds.linux", cfg.Worker.Queue)
				assert.Equal(t, "localhost", cfg.RabbitMQ.Host)
				assert.Equal(t, 5672, cfg.RabbitMQ.Port)
				assert.Equal(t, "local", cfg.VM.Backend)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	// Fields absent from the file get defaults
	assert.Equal(t, 50*time.Minute, cfg.Worker.DefaultHardTimeout)
	assert.Equal(t, 30*time.Second, cfg.Worker.ShutdownTimeout)
	assert.Equal(t, "/bin/bash", cfg.VM.Shell)
	assert.Equal(t, 5, cfg.RabbitMQ.Connection.RetryAttempts)
	assert.Equal(t, 2*time.Second, cfg.RabbitMQ.Connection.RetryInterval)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server: ServerConfig{Port: 8080},
			Worker: WorkerConfig{
				Queue: "builds.linux",
			},
			RabbitMQ: RabbitMQConfig{
				Host: "localhost",
				Port: 5672,
			},
			VM: VMConfig{Backend: "local"},
		}
	}

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty worker queue",
			mutate:    func(c *Config) { c.Worker.Queue = "" },
			wantErr:   true,
			errString: "worker queue is required",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "invalid rabbitmq port",
			mutate:    func(c *Config) { c.RabbitMQ.Port = -1 },
			wantErr:   true,
			errString: "invalid rabbitmq port",
		},
		{
			name:      "unknown vm backend",
			mutate:    func(c *Config) { c.VM.Backend = "firecracker" },
			wantErr:   true,
			errString: "unsupported vm backend",
		},
		{
			name: "journal enabled without host",
			mutate: func(c *Config) {
				c.Database.Enabled = true
				c.Database.Database = "worker_journal"
			},
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name: "journal enabled without database name",
			mutate: func(c *Config) {
				c.Database.Enabled = true
				c.Database.Host = "localhost"
			},
			wantErr:   true,
			errString: "database name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
