package wireguard

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tpn/internal/challenge"
	"tpn/internal/database"
	"tpn/internal/shell"
)

// Issuer is the challenge protocol as the prover sees it.
type Issuer interface {
	GenerateChallenge(ctx context.Context, minerUID string) (*database.Challenge, error)
	Solve(ctx context.Context, id, response string) (*challenge.Solution, error)
	ChallengeURL(id string) string
}

type Proof struct {
	Challenge string
	Response  string
	Correct   bool
}

// Prover fetches a fresh challenge from inside a namespace, so the request
// can only reach the validator through the tunnel.
type Prover struct {
	exec    shell.Executor
	issuer  Issuer
	timeout time.Duration
}

func NewProver(exec shell.Executor, issuer Issuer, timeout time.Duration) *Prover {
	return &Prover{exec: exec, issuer: issuer, timeout: timeout}
}

// Prove returns an error only when the fetch itself could not run. A body
// without a usable response is an incorrect proof.
func (p *Prover) Prove(ctx context.Context, namespaceID string) (*Proof, error) {
	c, err := p.issuer.GenerateChallenge(ctx, "validator")
	if err != nil {
		return nil, fmt.Errorf("failed to issue challenge: %w", err)
	}
	proof := &Proof{Challenge: c.ID}

	seconds := int(p.timeout.Seconds())
	if seconds < 1 {
		seconds = 1
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout+5*time.Second)
	defer cancel()

	res, err := p.exec.Run(fetchCtx, "ip", "netns", "exec", namespaceID,
		"curl", "-m", strconv.Itoa(seconds), "-s", p.issuer.ChallengeURL(c.ID))
	if err != nil {
		return nil, fmt.Errorf("connectivity test failed: %w", err)
	}

	body, ok := ExtractJSON(res.Stdout)
	if !ok {
		return proof, nil
	}

	var payload struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil || payload.Response == "" {
		return proof, nil
	}
	proof.Response = payload.Response

	solution, err := p.issuer.Solve(ctx, c.ID, payload.Response)
	if err != nil {
		return nil, fmt.Errorf("failed to verify response: %w", err)
	}
	proof.Correct = solution.Correct

	return proof, nil
}

// ExtractJSON finds a JSON object in output that may have other text around
// it. The widest {...} span is tried first, then each balanced object.
func ExtractJSON(output string) (string, bool) {
	first, last := strings.Index(output, "{"), strings.LastIndex(output, "}")
	if first < 0 || last < first {
		return "", false
	}
	if candidate := output[first : last+1]; json.Valid([]byte(candidate)) {
		return candidate, true
	}

	for start := first; start >= 0 && start < len(output); {
		if end := balancedEnd(output, start); end > 0 {
			if candidate := output[start:end]; json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
		next := strings.Index(output[start+1:], "{")
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// balancedEnd returns the index just past the brace closing the one at
// start, or -1.
func balancedEnd(s string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}
