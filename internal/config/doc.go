// Package config provides centralized configuration management for the
// txflowd runtime, supporting environment variables and configuration
// files. It exposes typed accessors for downstream services.
package config
