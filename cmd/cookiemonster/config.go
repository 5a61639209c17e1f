package main

import (
	"io/ioutil"

	"github.com/jsccast/yaml"
)

// MQTTConfig enables publishing notifications to an MQTT broker.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientId string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
}

// Config is the daemon's YAML configuration.
type Config struct {
	// HTTPAddr is the host:port for the HTTP API.
	HTTPAddr string `yaml:"http_addr"`

	// DBFile is the bbolt file backing the jar.  Empty means run
	// on the in-memory store.
	DBFile string `yaml:"db_file"`

	// Plugin roots.
	RulesDir     string `yaml:"rules_dir"`
	LoadersDir   string `yaml:"loaders_dir"`
	ReceiversDir string `yaml:"receivers_dir"`

	// Workers is the processing pool size.
	Workers int `yaml:"workers"`

	// QueueTimeoutMS bounds each worker's wait for a cookie.
	QueueTimeoutMS int `yaml:"queue_timeout_ms"`

	// StoreRateLimit caps backing-store operations per second.
	// Zero means unlimited.
	StoreRateLimit int `yaml:"store_rate_limit"`

	// MonitorPeriodMS is the measurement sampling period.  Zero
	// disables the monitor.
	MonitorPeriodMS int `yaml:"monitor_period_ms"`

	MQTT *MQTTConfig `yaml:"mqtt"`

	// Debug turns on chatty logging everywhere.
	Debug bool `yaml:"debug"`

	// NoRetry disables the unbounded backing-store retry wrapper
	// so that real errors surface.  For debugging only.
	NoRetry bool `yaml:"no_retry"`
}

// LoadConfig reads and parses the config file.
func LoadConfig(filename string) (*Config, error) {
	bs, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var c Config
	if err = yaml.Unmarshal(bs, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// DefaultConfig is what you get with no config file.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:       "localhost:5000",
		RulesDir:       "rules",
		LoadersDir:     "loaders",
		ReceiversDir:   "receivers",
		Workers:        16,
		QueueTimeoutMS: 5000,
	}
}
