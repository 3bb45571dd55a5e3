// Package config loads the task-processor daemon configuration from JSON or
// YAML files, fills in defaults and applies environment overrides.
package config
