// Package config loads the YAML service configuration, layers .env and
// environment overrides for credentials on top, and validates each section.
package config
