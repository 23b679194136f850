package main

import (
	"strings"

	"github.com/ajitpratap0/vdf/pkg/config"
	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// bind returns a viper instance reading cmd's flags, falling back to
// VDF_<FLAG> environment variables
func bind(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("VDF")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(cmd.Flags())
	return v
}

// parseOptions turns key=value pairs into a map
func parseOptions(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, val, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, errors.Newf(errors.ErrorTypeConfig, "expected key=value, got %q", p)
		}
		out[k] = strings.TrimSpace(val)
	}
	return out, nil
}

func addBackendFlags(fs *pflag.FlagSet, role string) {
	fs.String(role, "", role+" backend slug (see vdf list)")
	fs.StringSliceP("option", "o", nil, "backend option as key=value, repeatable")
	fs.String("api-key", "", "backend API key")
	fs.Bool("tls", false, "connect with TLS")
	fs.Float64("rate-limit", 0, "maximum backend calls per second (0 = unlimited)")
	fs.Int("retry-attempts", 3, "plain retries of a failed call")
	fs.Duration("request-timeout", 0, "deadline of a single backend call")
	fs.Duration("connect-timeout", 0, "deadline for connecting to the backend")
}

// applyBackend overrides bc with the backend flags that were given
func applyBackend(v *viper.Viper, bc *config.BackendConfig, role string) error {
	if v.IsSet(role) {
		bc.Type = v.GetString(role)
		if bc.Name == "" {
			bc.Name = role
		}
	}
	if v.IsSet("option") {
		opts, err := parseOptions(v.GetStringSlice("option"))
		if err != nil {
			return err
		}
		if bc.Options == nil {
			bc.Options = make(map[string]string)
		}
		for k, val := range opts {
			bc.Options[k] = val
		}
	}
	if v.IsSet("api-key") {
		bc.Security.APIKey = v.GetString("api-key")
	}
	if v.IsSet("tls") {
		bc.Security.EnableTLS = v.GetBool("tls")
	}
	if v.IsSet("rate-limit") {
		bc.Reliability.RateLimitPerSec = v.GetFloat64("rate-limit")
	}
	if v.IsSet("retry-attempts") {
		bc.Reliability.RetryAttempts = v.GetInt("retry-attempts")
	}
	if v.IsSet("request-timeout") {
		bc.Timeouts.Request = v.GetDuration("request-timeout")
	}
	if v.IsSet("connect-timeout") {
		bc.Timeouts.Connection = v.GetDuration("connect-timeout")
	}
	if bc.Type == "" {
		return errors.Newf(errors.ErrorTypeConfig, "--%s is required", role)
	}
	return nil
}
