package calendar

import "VoiceCallRelay/internal/agentconfig"

func isoParam(description string) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": description + " (ISO 8601, e.g. 2025-01-06T10:00:00+01:00)",
	}
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// Declarations 向语音代理声明的日历函数
func Declarations() []agentconfig.FunctionDeclaration {
	return []agentconfig.FunctionDeclaration{
		{
			Name:        FnCheckAvailability,
			Description: "Check whether a time slot is free. Suggests alternatives when it is not.",
			Parameters: objectSchema(map[string]any{
				"datetime_start": isoParam("Start of the requested slot"),
				"datetime_end":   isoParam("End of the requested slot"),
			}, "datetime_start", "datetime_end"),
		},
		{
			Name:        FnCreateEvent,
			Description: "Book an appointment after the caller confirmed the time.",
			Parameters: objectSchema(map[string]any{
				"summary":        map[string]any{"type": "string", "description": "Short title, usually the caller's name and reason"},
				"datetime_start": isoParam("Appointment start"),
				"datetime_end":   isoParam("Appointment end"),
				"description":    map[string]any{"type": "string", "description": "Optional notes"},
				"attendees": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Optional attendee e-mail addresses",
				},
			}, "summary", "datetime_start", "datetime_end"),
		},
		{
			Name:        FnRescheduleAppointment,
			Description: "Move an existing appointment to a new time.",
			Parameters: objectSchema(map[string]any{
				"original_datetime":  isoParam("Current start of the appointment"),
				"new_datetime_start": isoParam("New start"),
				"new_datetime_end":   isoParam("New end"),
				"reason":             map[string]any{"type": "string", "description": "Why the appointment moves"},
			}, "original_datetime", "new_datetime_start"),
		},
		{
			Name:        FnCancelAppointment,
			Description: "Cancel the appointment closest to the given time (within 30 minutes).",
			Parameters: objectSchema(map[string]any{
				"datetime_start": isoParam("Start of the appointment to cancel"),
				"reason":         map[string]any{"type": "string", "description": "Cancellation reason"},
			}, "datetime_start"),
		},
		{
			Name:        FnGetAppointmentDetails,
			Description: "List appointments in a time range, optionally for one attendee.",
			Parameters: objectSchema(map[string]any{
				"datetime_start": isoParam("Range start"),
				"datetime_end":   isoParam("Range end"),
				"attendee":       map[string]any{"type": "string", "description": "Name or e-mail to filter on"},
			}, "datetime_start", "datetime_end"),
		},
	}
}
