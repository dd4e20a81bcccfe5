package services

import "context"

type contextKey string

const (
	runIDKey   contextKey = "run_id"
	stageKey   contextKey = "stage"
	patientKey contextKey = "patient"
	sessionKey contextKey = "session"
)

// WithRunID annotates context with the ledger run identifier.
func WithRunID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromContext extracts the ledger run identifier if present.
func RunIDFromContext(ctx context.Context) (string, bool) {
	return stringFromContext(ctx, runIDKey)
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	return stringFromContext(ctx, stageKey)
}

// WithUnit annotates context with the patient and session a work unit targets.
// Session is the fraction directory name, or the planning directory for
// per-patient and conversion units.
func WithUnit(ctx context.Context, patient, session string) context.Context {
	if patient != "" {
		ctx = context.WithValue(ctx, patientKey, patient)
	}
	if session != "" {
		ctx = context.WithValue(ctx, sessionKey, session)
	}
	return ctx
}

// PatientFromContext returns the patient identifier if present.
func PatientFromContext(ctx context.Context) (string, bool) {
	return stringFromContext(ctx, patientKey)
}

// SessionFromContext returns the session directory name if present.
func SessionFromContext(ctx context.Context) (string, bool) {
	return stringFromContext(ctx, sessionKey)
}

func stringFromContext(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if v, ok := ctx.Value(key).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
