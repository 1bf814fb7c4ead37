// teamd-guard is the tool-intercept hook for host agents. It reads one JSON
// tool invocation on stdin, asks the daemon whether the targeted path is
// covered by a lease the agent holds, and writes the decision on stdout.
//
//	echo '{"tool":"write","params":{"file_path":"src/a.go"},"interactive":true}' | teamd-guard
//
// The process always exits 0; the block travels in the decision body so the
// host agent can surface the reason instead of seeing a crashed hook.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/teamd-project/teamd/internal/guard"
)

func main() {
	var call guard.ToolCall
	if err := json.NewDecoder(os.Stdin).Decode(&call); err != nil {
		emit(guard.Verdict{Allow: false, Reason: fmt.Sprintf("invalid tool invocation: %v", err)})
		return
	}

	// Discovery failure is a deny, never an allow.
	var client *guard.Client
	if d, err := guard.Discover(guard.EnvFromOS()); err == nil {
		client = guard.NewClient(d)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	emit(guard.Intercept(ctx, client, call))
}

func emit(v guard.Verdict) {
	_ = json.NewEncoder(os.Stdout).Encode(v)
}
