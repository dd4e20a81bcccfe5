package logging

import "strings"

// FormatSubject builds the "patient/session (stage)" prefix used in console output.
func FormatSubject(stage, patient, session string) string {
	stage = strings.TrimSpace(stage)
	patient = strings.TrimSpace(patient)
	session = strings.TrimSpace(session)

	unit := patient
	if session != "" {
		if unit != "" {
			unit += "/"
		}
		unit += session
	}
	switch {
	case unit != "" && stage != "":
		return unit + " (" + stage + ")"
	case unit != "":
		return unit
	default:
		return stage
	}
}
