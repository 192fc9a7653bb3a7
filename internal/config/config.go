// Package config loads the immutable pool configuration from the JSON
// artifact described in spec.md §6: a top-level queueDetails object
// naming the broker endpoint, credentials, queue names, and scaling
// limits. The loaded value is never mutated after Load returns.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the immutable configuration for one supervisor+worker pool.
// It is constructed once in main and passed by pointer to every
// collaborator — there is no package-global instance.
type Config struct {
	BrokerHost     string
	BrokerPort     int
	User           string
	Password       string
	InputQueue     string
	OutputQueue    string
	ErrorQueue     string
	MaxWorkerCount int
	BlockingLimit  int
}

// queueDetails mirrors the on-disk JSON shape exactly, field for field,
// as named in spec.md §6.
type queueDetails struct {
	IP                  string `mapstructure:"IP"`
	Port                int    `mapstructure:"Port"`
	Username            string `mapstructure:"Username"`
	Password            string `mapstructure:"Password"`
	ReadQueueName       string `mapstructure:"ReadQueueName"`
	WriteQueueName      string `mapstructure:"WriteQueueName"`
	ErrorQueueName      string `mapstructure:"ErrorQueueName"`
	MaxQueueClientCount int    `mapstructure:"MaxQueueClientCount"`
	BlockingLimit       int    `mapstructure:"BlockingLimit"`
}

type document struct {
	QueueDetails queueDetails `mapstructure:"queueDetails"`
}

// Load reads and validates the configuration file at path. A missing
// file or malformed JSON is reported as a wrapped error so the caller can
// print a single human-readable line and exit 1, per spec.md §6/§7.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "could not read configuration file %q", path)
	}

	var doc document
	if err := v.Unmarshal(&doc); err != nil {
		return nil, errors.Wrapf(err, "could not decode configuration file %q", path)
	}

	cfg := &Config{
		BrokerHost:     doc.QueueDetails.IP,
		BrokerPort:     doc.QueueDetails.Port,
		User:           doc.QueueDetails.Username,
		Password:       doc.QueueDetails.Password,
		InputQueue:     doc.QueueDetails.ReadQueueName,
		OutputQueue:    doc.QueueDetails.WriteQueueName,
		ErrorQueue:     doc.QueueDetails.ErrorQueueName,
		MaxWorkerCount: doc.QueueDetails.MaxQueueClientCount,
		BlockingLimit:  doc.QueueDetails.BlockingLimit,
	}

	if err := cfg.validate(); err != nil {
		return nil, errors.Wrapf(err, "configuration file %q is incomplete", path)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.BrokerHost == "" {
		missing = append(missing, "IP")
	}
	if c.BrokerPort == 0 {
		missing = append(missing, "Port")
	}
	if c.InputQueue == "" {
		missing = append(missing, "ReadQueueName")
	}
	if c.OutputQueue == "" {
		missing = append(missing, "WriteQueueName")
	}
	if c.ErrorQueue == "" {
		missing = append(missing, "ErrorQueueName")
	}
	if c.MaxWorkerCount <= 0 {
		missing = append(missing, "MaxQueueClientCount")
	}
	if c.BlockingLimit <= 0 {
		missing = append(missing, "BlockingLimit")
	}
	if len(missing) > 0 {
		return errors.Errorf("missing or invalid fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
