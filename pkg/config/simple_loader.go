package config

import (
	"os"
	"strings"

	"github.com/ajitpratap0/vdf/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Load loads a configuration from a YAML file into config. ${VAR} and
// ${VAR:-default} references are substituted from the environment first.
func Load(filePath string, config interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file").
			WithDetail("path", filePath)
	}

	content := substituteEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(content), config); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse YAML").
			WithDetail("path", filePath)
	}
	return nil
}

// LoadExport loads an export run configuration on top of the defaults
func LoadExport(filePath string) (*ExportConfig, error) {
	cfg := NewExportConfig(NewBackendConfig("source", ""))
	if err := Load(filePath, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadImport loads an import run configuration on top of the defaults
func LoadImport(filePath string) (*ImportConfig, error) {
	cfg := NewImportConfig(NewBackendConfig("target", ""))
	if err := Load(filePath, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves a configuration to a YAML file
func Save(filePath string, config interface{}) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to marshal YAML")
	}

	if err := os.WriteFile(filePath, data, 0o600); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write config file").
			WithDetail("path", filePath)
	}
	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
// ${VAR:-fallback} yields fallback when VAR is unset or empty. Bare $VAR
// references are left untouched.
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		name, fallback, hasFallback := strings.Cut(content[start+2:end], ":-")
		value := os.Getenv(name)
		if value == "" && hasFallback {
			value = fallback
		}

		b.WriteString(content[:start])
		b.WriteString(value)
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
