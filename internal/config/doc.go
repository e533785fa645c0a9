// Package config loads application configuration from an optional
// config.yaml and VOXQ_-prefixed environment variables using viper, and
// validates it with go-playground/validator. Environment variables take
// precedence over the file; every key has a default except the
// connection strings and credentials.
package config
