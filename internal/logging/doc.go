// Package logging builds the slog loggers used across the pipeline and
// standardizes the structured field names they emit.
//
// Loggers are constructed once at startup from configuration and passed
// down explicitly; context carries the interview/stage/run identifiers so
// WithContext can stamp them onto any component logger.
package logging
