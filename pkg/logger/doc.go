// Package logger builds the process slog logger: JSON in production, text
// elsewhere, tagged with the deployment environment.
package logger
