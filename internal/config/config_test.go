package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Setenv("PUBLISHING_DB_PASSWORD", "s3cret")

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
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			assert.Equal(t, 8080, cfg.Server.Port)
			assert.Equal(t, "s3cret", cfg.Database.Password)
			assert.Equal(t, "publishing", cfg.Database.Database)
			assert.Equal(t, "publishing_events", cfg.RabbitMQ.Exchange.Name)
			assert.Equal(t, "publishing_wakeups", cfg.RabbitMQ.Queue.Name)
			assert.Equal(t, 20, cfg.Worker.BatchSize)
			assert.Equal(t, 90*time.Minute, cfg.Worker.StaleRunningAfter)
			assert.Equal(t, []string{"GOLOGIN", "NOVNC_AWS", "NOVNC"}, cfg.Providers.Priority)
			assert.Equal(t, "token-a", cfg.Providers.RemoteProfile.AccountTokens["brand_a"])
			assert.Equal(t, 20, cfg.Providers.Container.StartupAttempts)
			// defaults fill what the file leaves out
			assert.Equal(t, 60, cfg.Providers.Container.HealthAttempts)
			assert.Equal(t, 500, cfg.Worker.ErrorMessageLimit)
			assert.Equal(t, "publishing-worker", cfg.App.Name)
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.Equal(t, 50, cfg.Worker.BatchSize)
	assert.Equal(t, 2, cfg.Worker.MaxAttempts)
	assert.Equal(t, 500, cfg.Worker.ErrorMessageLimit)
	assert.Equal(t, []string{"GOLOGIN", "NOVNC_AWS", "NOVNC", "REMOTE_HEADLESS"}, cfg.Providers.Priority)
	assert.Equal(t, 30, cfg.Providers.Container.StartupAttempts)
	assert.Equal(t, 60, cfg.Providers.Container.HealthAttempts)
	assert.Equal(t, time.Second, cfg.Providers.Container.PollInterval)
	assert.Equal(t, int64(2<<30), cfg.Providers.Container.ShmSize)
	assert.Equal(t, 5*time.Second, cfg.Providers.Container.StopTimeout)
	assert.Equal(t, "topic", cfg.RabbitMQ.Exchange.Type)
	assert.Equal(t, "job.scheduled", cfg.RabbitMQ.RoutingKey)

	cfg.Providers.Priority[0] = "X"
	var fresh Config
	fresh.ApplyDefaults()
	assert.Equal(t, "GOLOGIN", fresh.Providers.Priority[0], "defaults must not alias shared state")
}

func validBase() *Config {
	cfg := &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "publishing",
		},
		RabbitMQ: RabbitMQConfig{
			Enabled:  true,
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "publishing_events"},
			Queue:    QueueConfig{Name: "publishing_wakeups"},
		},
		Publisher: PublisherConfig{RunnerURL: "http://runner"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "invalid server port - too low", mutate: func(c *Config) { c.Server.Port = 0 }, errString: "invalid server port"},
		{name: "invalid server port - too high", mutate: func(c *Config) { c.Server.Port = 70000 }, errString: "invalid server port"},
		{name: "empty database host", mutate: func(c *Config) { c.Database.Host = "" }, errString: "database host is required"},
		{name: "empty database name", mutate: func(c *Config) { c.Database.Database = "" }, errString: "database name is required"},
		{name: "empty rabbitmq host", mutate: func(c *Config) { c.RabbitMQ.Host = "" }, errString: "rabbitmq host is required"},
		{name: "empty exchange name", mutate: func(c *Config) { c.RabbitMQ.Exchange.Name = "" }, errString: "rabbitmq exchange name is required"},
		{name: "empty queue name", mutate: func(c *Config) { c.RabbitMQ.Queue.Name = "" }, errString: "rabbitmq queue name is required"},
		{
			name: "rabbitmq disabled skips its checks",
			mutate: func(c *Config) {
				c.RabbitMQ.Enabled = false
				c.RabbitMQ.Host = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBase()
			tt.mutate(cfg)
			err := cfg.ValidateAPIConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "server port not needed", mutate: func(c *Config) { c.Server.Port = 0 }},
		{name: "bad batch size", mutate: func(c *Config) { c.Worker.BatchSize = -1 }, errString: "batch_size"},
		{name: "unknown provider", mutate: func(c *Config) { c.Providers.Priority = []string{"SELENOID"} }, errString: "unknown provider"},
		{name: "missing runner", mutate: func(c *Config) { c.Publisher.RunnerURL = "" }, errString: "runner_url"},
		{name: "bad metrics port", mutate: func(c *Config) { c.Worker.MetricsPort = 99999 }, errString: "metrics port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBase()
			tt.mutate(cfg)
			err := cfg.ValidateWorkerConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NoError(t, cfg.ValidateWorkerConfig())
		require.NoError(t, cfg.ValidateAPIConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)

		err = cfg.ValidateWorkerConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}
