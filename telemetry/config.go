package telemetry

// Config configures the telemetry system
type Config struct {
	// Basic settings
	Enabled     bool
	ServiceName string
	Endpoint    string
	Provider    string // "otlp", "stdout", "none"

	// Insecure disables TLS on the OTLP connection (local collectors)
	Insecure bool

	// SamplingRate controls trace sampling (0.0 to 1.0)
	SamplingRate float64
}

// Profile represents a pre-configured telemetry profile
type Profile string

const (
	ProfileDevelopment Profile = "development"
	ProfileProduction  Profile = "production"
)

// Profiles contains pre-configured telemetry profiles
var Profiles = map[Profile]Config{
	ProfileDevelopment: {
		Enabled:      true,
		Endpoint:     "localhost:4317",
		Provider:     "stdout",
		Insecure:     true,
		SamplingRate: 1.0,
	},
	ProfileProduction: {
		Enabled:      true,
		Endpoint:     "localhost:4317", // Override with OTEL_EXPORTER_OTLP_ENDPOINT
		Provider:     "otlp",
		Insecure:     true,
		SamplingRate: 0.1,
	},
}

// UseProfile returns a configuration based on a profile name
func UseProfile(profile Profile) Config {
	if config, ok := Profiles[profile]; ok {
		return config
	}
	return Profiles[ProfileDevelopment]
}

// WithOverrides applies overrides to a config
func (c Config) WithOverrides(overrides Config) Config {
	if overrides.Enabled {
		c.Enabled = overrides.Enabled
	}
	if overrides.ServiceName != "" {
		c.ServiceName = overrides.ServiceName
	}
	if overrides.Endpoint != "" {
		c.Endpoint = overrides.Endpoint
	}
	if overrides.Provider != "" {
		c.Provider = overrides.Provider
	}
	if overrides.SamplingRate > 0 {
		c.SamplingRate = overrides.SamplingRate
	}
	if overrides.Insecure {
		c.Insecure = overrides.Insecure
	}
	return c
}
