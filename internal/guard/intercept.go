package guard

import (
	"context"
	"fmt"
)

// Guarded tools. Anything else passes through untouched.
var guardedTools = map[string]bool{
	"write": true,
	"edit":  true,
	"bash":  true,
}

// ToolCall is one intercepted tool invocation from a host agent.
type ToolCall struct {
	Tool   string            `json:"tool"`
	Params map[string]string `json:"params"`
	// Interactive reports whether the host agent has a surface to act on a
	// block; without one the guard refuses mutating tools outright.
	Interactive bool `json:"interactive"`
}

// Verdict is the intercept decision returned to the host agent.
type Verdict struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// TargetPath extracts the path a tool invocation would mutate: the file
// path for write/edit, an explicit path or the working directory for bash.
func TargetPath(call ToolCall) string {
	switch call.Tool {
	case "write", "edit":
		if p := call.Params["file_path"]; p != "" {
			return p
		}
		return call.Params["path"]
	case "bash":
		if p := call.Params["path"]; p != "" {
			return p
		}
		return "."
	}
	return ""
}

// Intercept vetoes file-mutating tool invocations that are not covered by a
// lease this agent holds. The client may be nil (discovery failed); that is
// a deny, never an allow.
func Intercept(ctx context.Context, client *Client, call ToolCall) Verdict {
	if !guardedTools[call.Tool] {
		return Verdict{Allow: true}
	}
	if !call.Interactive {
		return Verdict{Allow: false, Reason: fmt.Sprintf("%s blocked: no interactive surface to steer the agent", call.Tool)}
	}
	if client == nil {
		return Verdict{Allow: false, Reason: fmt.Sprintf("%s blocked: %s", call.Tool, ReasonMissingDiscovery)}
	}

	target := TargetPath(call)
	decision := client.CanWrite(ctx, target)
	if decision.Allow {
		return Verdict{Allow: true}
	}
	return Verdict{
		Allow:  false,
		Reason: fmt.Sprintf("%s to %q blocked by teamd: %s (claim a task whose resources cover this path)", call.Tool, target, decision.Reason),
	}
}
