package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// EnvPrefix prefixes every environment variable that overrides a setting.
const EnvPrefix = "STAGECONNECT_"

func environment(environ func() []string) []string {
	if environ == nil {
		return os.Environ()
	}
	return environ()
}

// GetEnvObject returns a cty object containing the given environment
// variables as attributes, suitable for an HCL evaluation context.
func GetEnvObject(envVars []string) cty.Value {
	envMap := make(map[string]cty.Value)

	for _, envVar := range envVars {
		key, value, ok := strings.Cut(envVar, "=")
		if !ok {
			continue
		}
		envMap[sanitizeEnvVarName(key)] = cty.StringVal(value)
	}

	if len(envMap) == 0 {
		return cty.EmptyObjectVal
	}

	return cty.ObjectVal(envMap)
}

// sanitizeEnvVarName converts environment variable names to valid HCL attribute names
// HCL attribute names must start with a letter or underscore and contain only
// letters, digits, underscores, and hyphens
func sanitizeEnvVarName(name string) string {
	if name == "" {
		return "_"
	}

	var result strings.Builder

	firstChar := rune(name[0])
	if isValidFirstChar(firstChar) {
		result.WriteRune(firstChar)
	} else {
		result.WriteRune('_')
	}

	for _, char := range name[1:] {
		if isValidChar(char) {
			result.WriteRune(char)
		} else {
			result.WriteRune('_')
		}
	}

	return result.String()
}

func isValidFirstChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
}

func isValidChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-'
}

// applyEnvOverrides lets STAGECONNECT_* variables win over every file.
func applyEnvOverrides(config *Config, envVars []string) hcl.Diagnostics {
	var diags hcl.Diagnostics

	vars := make(map[string]string)
	for _, envVar := range envVars {
		key, value, ok := strings.Cut(envVar, "=")
		if ok && strings.HasPrefix(key, EnvPrefix) {
			vars[strings.TrimPrefix(key, EnvPrefix)] = value
		}
	}

	str := func(name string, dst *string) {
		if v, ok := vars[name]; ok {
			*dst = v
		}
	}
	str("SERVER", &config.Client.Server)
	str("URL", &config.Client.URL)
	str("USER_ID", &config.Client.UserID)
	str("TOKEN", &config.Client.Token)
	str("TRANSPORT", &config.Client.Transport)
	str("BROKER_LISTEN", &config.Broker.Listen)
	str("METRICS_PROVIDER", &config.Metrics.Provider)
	str("METRICS_LISTEN", &config.Metrics.Listen)

	if v, ok := vars["RECONNECT_DELAY"]; ok {
		d, err := parseDurationString(v)
		if err != nil {
			diags = diags.Append(envDiagnostic(EnvPrefix+"RECONNECT_DELAY", err))
		} else {
			config.Client.ReconnectDelay = d
		}
	}

	if v, ok := vars["STRICT_ENVELOPES"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			diags = diags.Append(envDiagnostic(EnvPrefix+"STRICT_ENVELOPES", err))
		} else {
			config.Client.StrictEnvelopes = b
		}
	}

	if v, ok := vars["BROKER_TOKENS"]; ok {
		config.Broker.Tokens = nil
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" {
				config.Broker.Tokens = append(config.Broker.Tokens, token)
			}
		}
	}

	return diags
}

func envDiagnostic(name string, err error) *hcl.Diagnostic {
	return &hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary:  "Invalid environment override",
		Detail:   name + ": " + err.Error(),
	}
}
