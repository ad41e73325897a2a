// Package config loads Warden's configuration.
//
// Configuration comes from a YAML file decoded over DefaultConfig, then
// WARDEN_SECTION_FIELD environment variables, then Validate:
//
//	cfg, err := config.LoadConfigWithEnvOverrides("warden.yaml")
//
// For example WARDEN_SERVICE_LISTEN_ADDRESS overrides
// service.listen_address and WARDEN_AUDIT_SQLITE_PATH overrides
// audit.sqlite.path. Environment variables always win over the file.
//
// Validation collects every problem into a single ValidationError so an
// operator sees the whole list at once.
//
// The cmd/warden binary stores the loaded configuration with Initialize;
// library code takes the sections it needs as arguments instead of reading
// the singleton.
package config
