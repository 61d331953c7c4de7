// Package config loads the ActionFlow daemon configuration from a JSON or YAML
// file, fills defaults and applies ACTIONFLOW_* environment overrides so that
// secrets such as the runtime API key never need to live in the file.
package config
