// Package tools implements the Function Calling surface available to Agent
// Mode calls: tool definitions in the upstream realtime-LLM's session.update
// tools format, and an Executor that runs them against a types.Call,
// grounded on original_source's tools/definitions.py and tools/executor.py,
// per spec.md §4.15.
package tools

// Definition is one tool in the upstream session.update "tools" array.
type Definition = map[string]any

// AgentModeTools are the four built-in tools available in agent mode:
// confirm_reservation, search_location, collect_info, and end_call_judgment.
var AgentModeTools = []Definition{
	{
		"type":        "function",
		"name":        "confirm_reservation",
		"description": "Records reservation confirmation details once the recipient confirms a booking.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reservation_id": map[string]any{"type": "string", "description": "Reservation number"},
				"date":           map[string]any{"type": "string", "description": "Reservation date (YYYY-MM-DD)"},
				"time":           map[string]any{"type": "string", "description": "Reservation time (HH:MM)"},
				"name":           map[string]any{"type": "string", "description": "Name on the reservation"},
				"details":        map[string]any{"type": "string", "description": "Additional details"},
				"status": map[string]any{
					"type":        "string",
					"enum":        []string{"confirmed", "modified", "cancelled", "pending"},
					"description": "Reservation status",
				},
			},
			"required": []string{"status"},
		},
	},
	{
		"type":        "function",
		"name":        "search_location",
		"description": "Records a place/business's details once the recipient shares location information.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"place_name": map[string]any{"type": "string", "description": "Place or business name"},
				"address":    map[string]any{"type": "string", "description": "Address"},
				"phone":      map[string]any{"type": "string", "description": "Phone number"},
				"hours":      map[string]any{"type": "string", "description": "Business hours"},
				"notes":      map[string]any{"type": "string", "description": "Other details"},
			},
			"required": []string{"place_name"},
		},
	},
	{
		"type":        "function",
		"name":        "collect_info",
		"description": "Records one piece of information collected during the call.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"info_type": map[string]any{
					"type":        "string",
					"enum":        []string{"name", "phone", "address", "email", "price", "schedule", "other"},
					"description": "Category of the collected value",
				},
				"value":   map[string]any{"type": "string", "description": "The collected value"},
				"context": map[string]any{"type": "string", "description": "Context in which it was collected"},
			},
			"required": []string{"info_type", "value"},
		},
	},
	{
		"type":        "function",
		"name":        "end_call_judgment",
		"description": "Judges whether the call's purpose was achieved, called as the call naturally concludes.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"result": map[string]any{
					"type":        "string",
					"enum":        []string{"success", "partial_success", "failed", "callback_needed"},
					"description": "Outcome of the call",
				},
				"reason":         map[string]any{"type": "string", "description": "Reason for the judgment"},
				"summary":        map[string]any{"type": "string", "description": "Summary of the call"},
				"collected_data": map[string]any{"type": "object", "description": "All data collected during the call"},
			},
			"required": []string{"result", "reason"},
		},
	},
}

// ForMode returns the tool list to advertise for a given call mode.
// Relay mode gets no tools (translation only); agent mode gets the full set.
func ForMode(agentMode bool) []Definition {
	if !agentMode {
		return nil
	}
	return AgentModeTools
}
