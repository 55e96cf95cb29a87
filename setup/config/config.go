// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// Version is the current version of the config format.
// This will change whenever we make breaking changes to the config format.
const Version = 1

// ReceiptStream contains all the config used by a receipt stream process.
// Relative paths are resolved relative to the current working directory
type ReceiptStream struct {
	// The version of the configuration file.
	// If the version in a file doesn't match the current version then it will
	// be rejected. Use a tool to convert between versions.
	Version int `yaml:"version"`

	Global     Global     `yaml:"global"`
	ReceiptAPI ReceiptAPI `yaml:"receipt_api"`

	// The config for logging informations. Each hook will be added to logrus.
	Logging []LogrusHook `yaml:"logging"`
}

// DefaultOpts controls how Defaults fills in values which only make sense
// for generated or single-process deployments.
type DefaultOpts struct {
	Generate       bool
	SingleDatabase bool
}

// A Path on the filesystem.
type Path string

// A DataSource for opening a postgresql database using lib/pq.
type DataSource string

func (d DataSource) IsSQLite() bool {
	return strings.HasPrefix(string(d), "file:")
}

func (d DataSource) IsPostgres() bool {
	// commented line may not always be true?
	// return strings.HasPrefix(string(d), "postgres:")
	return !d.IsSQLite()
}

// SQLiteFile returns the path of the SQLite database named by a "file:" data source.
func (d DataSource) SQLiteFile() (string, error) {
	if !d.IsSQLite() {
		return "", fmt.Errorf("%q is not a SQLite data source", string(d))
	}
	path := strings.TrimPrefix(string(d), "file:")
	path = strings.TrimPrefix(path, "//")
	if path == "" {
		return "", fmt.Errorf("empty SQLite path in %q", string(d))
	}
	return path, nil
}

// LogrusHook represents a single logrus hook. At this point, only parsing and
// verification of the proper values for type and level are done.
// Validity/integrity checks on the parameters are done when configuring logrus.
type LogrusHook struct {
	// The type of hook, currently only "file" and "std" are supported.
	Type string `yaml:"type"`

	// The level of the logs to produce. Will output only this level and above.
	Level string `yaml:"level"`

	// The parameters for this hook.
	Params map[string]interface{} `yaml:"params"`
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

// Load a yaml config file for a server run as multiple processes or as a monolith.
// Checks the config to ensure that it is valid.
func Load(configPath string) (*ReceiptStream, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	basePath, err := filepath.Abs(".")
	if err != nil {
		return nil, err
	}
	return loadConfig(basePath, configData)
}

func loadConfig(basePath string, configData []byte) (*ReceiptStream, error) {
	var c ReceiptStream
	c.Defaults(DefaultOpts{
		Generate:       false,
		SingleDatabase: true,
	})

	var err error
	if err = yaml.Unmarshal(configData, &c); err != nil {
		return nil, err
	}

	if err = c.check(); err != nil {
		return nil, err
	}

	c.Global.JetStream.resolveStoragePath(basePath)
	c.Wiring()
	return &c, nil
}

// Defaults fills in every value that the YAML document may omit.
func (c *ReceiptStream) Defaults(opts DefaultOpts) {
	c.Version = Version
	c.Global.Defaults(opts)
	c.ReceiptAPI.Defaults(opts)
	c.Logging = []LogrusHook{
		{
			Type:  "std",
			Level: "info",
		},
	}
	c.Wiring()
}

// Verify collects every problem with the configuration into configErrs.
func (c *ReceiptStream) Verify(configErrs *ConfigErrors) {
	type verifiable interface {
		Verify(configErrs *ConfigErrors)
	}
	for _, c := range []verifiable{
		&c.Global, &c.ReceiptAPI,
	} {
		c.Verify(configErrs)
	}
	for i, hook := range c.Logging {
		if _, err := logrus.ParseLevel(hook.Level); err != nil {
			configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", fmt.Sprintf("logging[%d].level", i), hook.Level))
		}
		if hook.Type != "std" && hook.Type != "file" {
			configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", fmt.Sprintf("logging[%d].type", i), hook.Type))
		}
	}
}

// Wiring links each section back to the global section.
func (c *ReceiptStream) Wiring() {
	c.ReceiptAPI.Matrix = &c.Global
}

func (c *ReceiptStream) check() error {
	var configErrs ConfigErrors
	if c.Version != Version {
		configErrs.Add(fmt.Sprintf(
			"config version is %q, expected %q - this means that the format of the configuration "+
				"file has changed in some significant way, so please revisit the sample config "+
				"and ensure you are not missing any important options that may have been added "+
				"or changed recently!",
			c.Version, Version,
		))
		return configErrs
	}
	c.Wiring()
	c.Verify(&configErrs)
	if len(configErrs) > 0 {
		return configErrs
	}
	return nil
}

// Add appends an error to the list of errors in this configErrs.
// It is a wrapper to the builtin append and hides pointers from
// the client code.
// This method is safe to use with an uninitialized configErrs because
// if it is nil, it will be properly allocated.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// configErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies the given value is positive (zero included)
// in the configuration. If it is not, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}

// checkStrictlyPositive verifies the given value is strictly positive.
func checkStrictlyPositive(configErrs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}

// WriteTo renders the config as YAML, used to emit a sample config.
func (c *ReceiptStream) WriteTo(w io.Writer) (int64, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}
