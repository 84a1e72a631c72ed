// Package hook handles agent hook callbacks.
//
// Agents like Claude Code spawn `klaas hook <event>` when events occur. The
// hook reads the agent's JSON payload from stdin, forwards a notification to
// the klaas API, and answers the agent on stdout. Session correlation comes
// from the environment the wrapper injected: KLAAS_SESSION_ID,
// KLAAS_API_URL, and optionally KLAAS_HOOK_TOKEN.
package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/klaas-sh/klaas/internal/config"
)

// notifyTimeout caps the fire-and-forget notification request.
const notifyTimeout = 5 * time.Second

// Input is the agent's hook payload.
type Input struct {
	Event   string `json:"event,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Message string `json:"message,omitempty"`
}

// Output is the hook response to the agent. The default decision defers to
// the local user.
type Output struct {
	Decision string `json:"decision,omitempty"`
}

// notification is the API payload.
type notification struct {
	SessionID string `json:"session_id"`
	Event     string `json:"event"`
	Tool      string `json:"tool,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Run handles one hook invocation end to end: stdin → API → stdout.
func Run(ctx context.Context, event string, logger *slog.Logger) error {
	sessionID := os.Getenv(config.EnvSessionID)
	if sessionID == "" {
		return fmt.Errorf("this command must be called by an agent running inside klaas")
	}

	apiURL := os.Getenv(config.EnvAPIURL)
	if apiURL == "" {
		apiURL = config.APIURL()
	}
	hookToken := os.Getenv(config.EnvHookToken)

	input, err := readInput(os.Stdin)
	if err != nil {
		logger.Debug("hook input unreadable", "error", err)
		input = &Input{}
	}

	notify(ctx, logger, apiURL, hookToken, &notification{
		SessionID: sessionID,
		Event:     event,
		Tool:      input.Tool,
		Message:   input.Message,
	})

	return writeOutput(os.Stdout, &Output{Decision: "ask"})
}

// readInput parses the agent's JSON payload. Empty stdin yields an empty
// input, not an error.
func readInput(r io.Reader) (*Input, error) {
	data, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &Input{}, nil
	}
	var input Input
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("parse hook input: %w", err)
	}
	return &input, nil
}

func writeOutput(w io.Writer, out *Output) error {
	return json.NewEncoder(w).Encode(out)
}

// notify posts the notification, fire-and-forget: failures are logged and
// swallowed so hook handling never blocks the agent.
func notify(ctx context.Context, logger *slog.Logger, apiURL, token string, n *notification) {
	body, err := json.Marshal(n)
	if err != nil {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		apiURL+"/v1/hooks/notification", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Debug("hook notification failed", "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		logger.Debug("hook notification rejected", "status", resp.StatusCode)
	}
}
