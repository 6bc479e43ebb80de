// Package gen wraps the external code-synthesis capability behind the
// Generator contract: one prompt (plus optional prior-failure context) in,
// source code or a classified error out. Retrying is the caller's job.
package gen

import (
	"context"
	"fmt"
	"strings"

	"github.com/kryahq/kryad/pkg/joblog"
)

// ErrorKind classifies a generation failure for the retry controller.
type ErrorKind string

const (
	KindNetwork         ErrorKind = "network"
	KindQuota           ErrorKind = "quota"
	KindInvalidResponse ErrorKind = "invalid_response"
)

// Error is a classified generation failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("generation failed (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FailureContext describes the previous attempt's failure, fed back to the
// backend so the next generation can repair it.
type FailureContext struct {
	// Stderr is an excerpt of the failed execution's stderr (may be empty).
	Stderr string

	// ExitCode is the failed execution's exit code; nil when the process
	// never exited on its own.
	ExitCode *int

	// TimedOut marks an execution that was killed at the deadline.
	TimedOut bool

	// GenerationError carries the previous attempt's generation failure
	// when the attempt never reached execution.
	GenerationError string
}

// Generator produces source code for a prompt. Implementations must not
// retry internally.
type Generator interface {
	Generate(ctx context.Context, jobID, prompt string, prior *FailureContext) (string, error)
}

// Sink receives the generator's product-facing log events.
type Sink interface {
	Publish(joblog.Event)
}

// systemPrompt pins the response contract: runnable code only, so the
// output can be written to a script file unmodified.
const systemPrompt = "You write Python scripts that automate tasks on the " +
	"user's machine. Respond with only runnable Python code. No explanations, " +
	"no markdown fences, no comments about what the code does."

// buildMessages assembles the chat transcript. The repair turn mirrors the
// shape of the first turn with the prior failure inlined.
func buildMessages(prompt string, prior *FailureContext) []message {
	system := message{Role: "system", Content: systemPrompt}
	if prior == nil {
		return []message{system, {Role: "user", Content: prompt}}
	}

	var sb strings.Builder
	sb.WriteString("Original request:\n")
	sb.WriteString(prompt)
	sb.WriteString("\n\nPrevious attempt failed:\n")
	switch {
	case prior.GenerationError != "":
		fmt.Fprintf(&sb, "code generation error: %s\n", prior.GenerationError)
	case prior.TimedOut:
		sb.WriteString("execution timed out\n")
	case prior.ExitCode != nil:
		fmt.Fprintf(&sb, "exit code: %d\n", *prior.ExitCode)
	}
	if prior.Stderr != "" {
		sb.WriteString("\nstderr:\n")
		sb.WriteString(prior.Stderr)
		sb.WriteString("\n")
	}
	sb.WriteString("\nGenerate corrected code that fixes the failure above. ")
	sb.WriteString("Respond with only the code, no explanations.")

	return []message{system, {Role: "user", Content: sb.String()}}
}

// CleanCodeResponse strips markdown code fences from a model response so
// the remainder can be written to a script file as-is.
func CleanCodeResponse(text string) string {
	code := strings.TrimSpace(text)

	if strings.HasPrefix(code, "```") {
		code = code[3:]
		// Drop a language tag on the fence line.
		if idx := strings.IndexByte(code, '\n'); idx >= 0 {
			first := strings.TrimSpace(code[:idx])
			if first != "" && !strings.ContainsAny(first, " \t") {
				code = code[idx+1:]
			}
		}
		code = strings.TrimSpace(code)
	}
	if strings.HasSuffix(code, "```") {
		code = strings.TrimSpace(code[:len(code)-3])
	}
	return code
}
