package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/types"
)

// ResultCallback is invoked when end_call_judgment runs, letting the
// pipeline react to the call's final result (e.g. trigger cleanup).
type ResultCallback func(result string, data map[string]any)

// Executor runs function calls against a types.Call, grounded on
// original_source's tools/executor.py's per-function handler dispatch.
type Executor struct {
	call         *types.Call
	onCallResult ResultCallback
}

// NewExecutor constructs an Executor bound to one call's aggregate state.
func NewExecutor(call *types.Call, onCallResult ResultCallback) *Executor {
	return &Executor{call: call, onCallResult: onCallResult}
}

// Execute implements sessiona.FunctionCallExecutor: it parses arguments,
// dispatches to the matching handler, appends a FunctionCallLog entry, and
// returns the JSON-encoded result to send back upstream.
func (e *Executor) Execute(ctx context.Context, name, argumentsJSON string) (string, error) {
	var args map[string]any
	if argumentsJSON != "" {
		_ = json.Unmarshal([]byte(argumentsJSON), &args)
	}
	if args == nil {
		args = map[string]any{}
	}

	var result map[string]any
	switch name {
	case "confirm_reservation":
		result = e.handleConfirmReservation(args)
	case "search_location":
		result = e.handleSearchLocation(args)
	case "collect_info":
		result = e.handleCollectInfo(args)
	case "end_call_judgment":
		result = e.handleEndCallJudgment(args)
	default:
		result = map[string]any{"status": "error", "message": "unknown function: " + name}
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return "", err
	}

	e.call.Mu.Lock()
	e.call.FunctionCallLogs = append(e.call.FunctionCallLogs, types.FunctionCallLog{
		Name:      name,
		Arguments: argumentsJSON,
		Result:    string(resultJSON),
		Timestamp: time.Now(),
	})
	e.call.Mu.Unlock()

	return string(resultJSON), nil
}

func (e *Executor) handleConfirmReservation(args map[string]any) map[string]any {
	e.setCollected("reservation", args)
	status, _ := args["status"].(string)
	if status == "" {
		status = "unknown"
	}
	return map[string]any{"status": "recorded", "message": "reservation status: " + status}
}

func (e *Executor) handleSearchLocation(args map[string]any) map[string]any {
	e.setCollected("location", args)
	place, _ := args["place_name"].(string)
	return map[string]any{"status": "recorded", "place": place}
}

func (e *Executor) handleCollectInfo(args map[string]any) map[string]any {
	infoType, _ := args["info_type"].(string)
	if infoType == "" {
		infoType = "other"
	}
	value := args["value"]
	e.setCollected(infoType, value)
	return map[string]any{"status": "recorded", "info_type": infoType}
}

func (e *Executor) handleEndCallJudgment(args map[string]any) map[string]any {
	result, _ := args["result"].(string)
	if result == "" {
		result = "unknown"
	}

	e.call.Mu.Lock()
	e.call.CallResult = result
	e.call.CallResultData = args
	e.call.Mu.Unlock()

	if e.onCallResult != nil {
		e.onCallResult(result, args)
	}

	return map[string]any{"status": "judged", "result": result}
}

func (e *Executor) setCollected(key string, value any) {
	e.call.Mu.Lock()
	defer e.call.Mu.Unlock()
	if e.call.CollectedData == nil {
		e.call.CollectedData = map[string]any{}
	}
	e.call.CollectedData[key] = value
}
