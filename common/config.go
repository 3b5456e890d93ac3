package common

import (
	"time"

	log "github.com/sirupsen/logrus"

	"dev.hon.one/tantalum/util"
)

// Config - The engine config.
type Config struct {
	HTTPEndpoint             string  `json:"http_endpoint"`
	CredentialsPath          string  `json:"credentials_path"`
	DevicesPath              string  `json:"devices_path"`
	SchedulesPath            string  `json:"schedules_path"`
	ConfigStoreDir           string  `json:"config_store_dir"`
	EventLogPath             string  `json:"event_log_path"`
	TickSeconds              float64 `json:"tick_interval"`
	WorkerPoolSize           int     `json:"worker_pool_size"`
	ConnectTimeoutSeconds    float64 `json:"connect_timeout"`
	OperationTimeoutSeconds  float64 `json:"operation_timeout"`
	QueryTimeoutSeconds      float64 `json:"query_timeout"`
	ConnectRetries           int     `json:"connect_retries"`
	UnreachablePollThreshold int     `json:"unreachable_poll_threshold"`
	MetricWindowSize         int     `json:"metric_window_size"`
	InfluxDBURL              string  `json:"influxdb_url"`
	InfluxDBToken            string  `json:"influxdb_token"`
	InfluxDBOrg              string  `json:"influxdb_org"`
	InfluxDBBucket           string  `json:"influxdb_bucket"`
}

// DefaultConfig - Config with default values.
func DefaultConfig() Config {
	return Config{
		HTTPEndpoint:             ":8080",
		CredentialsPath:          "credentials.json",
		DevicesPath:              "devices.json",
		SchedulesPath:            "schedules.json",
		ConfigStoreDir:           "configs",
		EventLogPath:             "events.jsonl",
		TickSeconds:              5.0,
		WorkerPoolSize:           8,
		ConnectTimeoutSeconds:    10.0,
		OperationTimeoutSeconds:  60.0,
		QueryTimeoutSeconds:      5.0,
		ConnectRetries:           2,
		UnreachablePollThreshold: 3,
		MetricWindowSize:         4096,
		InfluxDBBucket:           "tantalum",
	}
}

// LoadConfig - Load configuration file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	if path == "" {
		// Allow no config
		return config, nil
	}

	log.WithFields(log.Fields{
		"config_path": path,
	}).Info("Loading config")

	if err := util.ParseJSONFile(&config, path); err != nil {
		return config, err
	}
	if config.TickSeconds <= 0 {
		return config, &ValidationError{Field: "tick_interval", Reason: "must be positive"}
	}
	if config.WorkerPoolSize <= 0 {
		return config, &ValidationError{Field: "worker_pool_size", Reason: "must be positive"}
	}

	return config, nil
}

// TickInterval - Scheduler tick granularity.
func (config Config) TickInterval() time.Duration {
	return time.Duration(config.TickSeconds * float64(time.Second))
}

// ConnectTimeout - Timeout for opening a device connection.
func (config Config) ConnectTimeout() time.Duration {
	return time.Duration(config.ConnectTimeoutSeconds * float64(time.Second))
}

// OperationTimeout - Total timeout for a single backup run.
func (config Config) OperationTimeout() time.Duration {
	return time.Duration(config.OperationTimeoutSeconds * float64(time.Second))
}

// QueryTimeout - Timeout for a single management protocol sub-query.
func (config Config) QueryTimeout() time.Duration {
	return time.Duration(config.QueryTimeoutSeconds * float64(time.Second))
}
