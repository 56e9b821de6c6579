package launcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jedarden/forge/internal/protocol"
	"github.com/jedarden/forge/internal/tmux"
)

// ParsedOutput is launcher stdout after tolerant parsing.
type ParsedOutput struct {
	Output protocol.LauncherOutput
	// BareSession is set when stdout held no JSON and was read as a session
	// name; the caller must look up the pid itself.
	BareSession bool
}

// ParseOutput reads launcher stdout in two stages: the JSON object spanning
// the first '{' to the last '}', and failing that the whole trimmed output as
// a bare session name.
func ParseOutput(raw string) (ParsedOutput, error) {
	out, found, jsonErr := parseJSONSpan(raw)
	if found && jsonErr == nil {
		return ParsedOutput{Output: out}, nil
	}
	session, err := parseBareSession(raw)
	if err != nil {
		if jsonErr != nil {
			return ParsedOutput{}, fmt.Errorf("%w: %v", ErrMalformedOutput, jsonErr)
		}
		return ParsedOutput{}, err
	}
	return ParsedOutput{
		Output:      protocol.LauncherOutput{Session: session},
		BareSession: true,
	}, nil
}

// parseJSONSpan decodes the text between the first '{' and the last '}'.
// found is false when there is no such span.
func parseJSONSpan(raw string) (out protocol.LauncherOutput, found bool, err error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return out, false, nil
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return protocol.LauncherOutput{}, true, fmt.Errorf("decode launcher JSON: %w", err)
	}
	return out, true, nil
}

// parseBareSession accepts output that is exactly one valid session name.
func parseBareSession(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", fmt.Errorf("%w: empty output", ErrMalformedOutput)
	}
	if err := tmux.ValidateSessionName(name); err != nil {
		if errors.Is(err, tmux.ErrInvalidSessionName) {
			return "", fmt.Errorf("%w: %q", ErrMalformedOutput, truncate(name, 80))
		}
		return "", err
	}
	return name, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
