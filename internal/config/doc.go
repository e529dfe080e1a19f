// Package config loads, normalizes, and validates the avqc configuration
// file and exposes typed lookups to the rest of the pipeline.
package config
