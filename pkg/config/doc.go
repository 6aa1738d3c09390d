// Package config loads the evictd configuration.
//
// Configuration is read from a YAML file, completed with defaults,
// overridden from the environment and validated:
//
//	cfg, err := config.LoadConfigWithEnvOverrides("evictd.yaml")
//	if err != nil {
//		return err
//	}
//
// Environment variables follow the naming convention EVICTOR_SECTION_FIELD,
// for example EVICTOR_DEVICE_LOCATION_ID or EVICTOR_EVICTION_QUERY_TIMEOUT.
// Durations use Go duration syntax ("90s", "168h").
//
// Validation collects every problem before returning, so a single
// ValidationError lists all invalid fields.
package config
