// Package notifications announces finished stage runs via ntfy.
//
// NewService returns a no-op implementation when no topic is configured, so
// the stage driver can always hold a Service.
package notifications
