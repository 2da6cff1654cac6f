// Package engine invokes the JavaScript execution engine inside a
// leased sandbox slot. Each invocation stages the engine bundle and an
// input.json describing the operation, runs the interpreter under the
// slot's isolation, and reads the verdict back out of output.json.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/flowdeck/flowdeck/internal/apperr"
	"github.com/flowdeck/flowdeck/internal/metrics"
	"github.com/flowdeck/flowdeck/internal/sandbox"
	"github.com/flowdeck/flowdeck/internal/token"
)

// Engine operations understood by the bundle.
const (
	OpExecuteFlow        = "execute-flow"
	OpExecuteTriggerHook = "execute-trigger-hook"
	OpDropdownOption     = "dropdown-option"
)

// Fixed file names inside the slot.
const (
	BundleFile = "main.js"
	InputFile  = "input.json"
	OutputFile = "output.json"
)

// Invocation describes one engine call.
type Invocation struct {
	Operation string

	// CollectionID scopes the worker token minted for the engine's
	// callbacks to the platform API.
	CollectionID string

	// Payload is merged into input.json next to apiUrl and workerToken.
	Payload map[string]any

	// Files are staged into the slot before execution, e.g. the flow
	// version snapshot and unpacked code artifacts.
	Files map[string][]byte
}

// Result carries everything an invocation produced. Output is the
// parsed output.json; Stdout is the engine's captured log stream.
type Result struct {
	Output   json.RawMessage
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Failed reports whether the engine process itself ended abnormally.
func (r *Result) Failed() bool {
	return r.ExitCode != 0 || r.TimedOut
}

// Runner leases sandbox slots and runs the engine in them.
type Runner struct {
	pool    *sandbox.Pool
	signer  *token.Signer
	command string
	bundle  []byte
	apiURL  string
	logger  *slog.Logger
}

// New creates a runner. bundlePath is read once at startup; a missing
// bundle is a deployment error, not a per-run condition.
func New(pool *sandbox.Pool, signer *token.Signer, command, bundlePath, apiURL string, logger *slog.Logger) (*Runner, error) {
	bundle, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("read engine bundle: %w", err)
	}
	return &Runner{
		pool:    pool,
		signer:  signer,
		command: command,
		bundle:  bundle,
		apiURL:  apiURL,
		logger:  logger.With("component", "engine"),
	}, nil
}

// Invoke runs one engine operation in a freshly reset slot. The slot
// is always released, including on panic paths. Infra failures (no
// free slot, staging, unreadable verdict) come back as errors; an
// abnormal engine exit is reported through the Result so callers can
// classify it as a run verdict.
func (r *Runner) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	ctx, span := otel.Tracer("flowdeck/engine").Start(ctx, "engine.invoke")
	defer span.End()
	span.SetAttributes(attribute.String("engine.operation", inv.Operation))

	sb, err := r.pool.Obtain()
	if err != nil {
		if errors.Is(err, sandbox.ErrPoolExhausted) {
			err = apperr.Wrap(apperr.CodeSandboxPoolExhausted, err, nil)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "no sandbox slot")
		return nil, err
	}
	defer r.pool.Release(sb)
	span.SetAttributes(attribute.Int("engine.sandbox_id", sb.ID))

	result, err := r.run(ctx, sb, inv)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "invocation failed")
	case result.TimedOut:
		outcome = "timeout"
	case result.ExitCode != 0:
		outcome = "failed"
	}
	if result != nil {
		span.SetAttributes(
			attribute.Int("engine.exit_code", result.ExitCode),
			attribute.Bool("engine.timed_out", result.TimedOut),
		)
	}
	metrics.EngineInvocationsTotal.WithLabelValues(inv.Operation, outcome).Inc()
	return result, err
}

func (r *Runner) run(ctx context.Context, sb *sandbox.Sandbox, inv *Invocation) (*Result, error) {
	if err := sb.Reset(); err != nil {
		return nil, err
	}
	if err := sb.WriteFile(BundleFile, r.bundle); err != nil {
		return nil, fmt.Errorf("stage engine bundle: %w", err)
	}
	for name, data := range inv.Files {
		if err := sb.WriteFile(name, data); err != nil {
			return nil, fmt.Errorf("stage %s: %w", name, err)
		}
	}

	workerToken, err := r.signer.Encode(token.Principal{
		Type:         token.PrincipalWorker,
		ID:           fmt.Sprintf("sandbox-%d", sb.ID),
		CollectionID: inv.CollectionID,
	})
	if err != nil {
		return nil, fmt.Errorf("mint worker token: %w", err)
	}

	input := map[string]any{
		"operation":   inv.Operation,
		"apiUrl":      r.apiURL,
		"workerToken": workerToken,
	}
	for k, v := range inv.Payload {
		input[k] = v
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode engine input: %w", err)
	}
	if err := sb.WriteFile(InputFile, inputJSON); err != nil {
		return nil, fmt.Errorf("stage engine input: %w", err)
	}

	stdout, execErr := sb.Execute(ctx, r.command, BundleFile, inv.Operation)
	result := &Result{Stdout: stdout}
	if execErr != nil {
		var ee *sandbox.ExecError
		if !errors.As(execErr, &ee) {
			return nil, apperr.Wrap(apperr.CodeEngineInvocationFailure, execErr, map[string]any{
				"operation": inv.Operation,
			})
		}
		result.ExitCode = ee.ExitCode
		result.TimedOut = ee.TimedOut
		result.Stderr = ee.Stderr
	}

	out, err := sb.ReadFile(OutputFile)
	if err != nil {
		if result.Failed() {
			// Abnormal exit without a verdict file is still a
			// classifiable run outcome.
			return result, nil
		}
		return nil, apperr.Wrap(apperr.CodeEngineInvocationFailure,
			fmt.Errorf("engine produced no %s: %w", OutputFile, err),
			map[string]any{"operation": inv.Operation})
	}
	if !json.Valid(out) {
		return nil, apperr.New(apperr.CodeEngineInvocationFailure,
			"engine output is not valid JSON",
			map[string]any{"operation": inv.Operation})
	}
	result.Output = out

	r.logger.Debug("engine invocation complete",
		"operation", inv.Operation,
		"sandbox_id", sb.ID,
		"exit_code", result.ExitCode,
		"timed_out", result.TimedOut)
	return result, nil
}

// DropdownOption resolves the dynamic options of a piece property, for
// editors populating dropdown inputs.
func (r *Runner) DropdownOption(ctx context.Context, collectionID, pieceName, propertyName string, input map[string]any) (json.RawMessage, error) {
	result, err := r.Invoke(ctx, &Invocation{
		Operation:    OpDropdownOption,
		CollectionID: collectionID,
		Payload: map[string]any{
			"pieceName":    pieceName,
			"propertyName": propertyName,
			"input":        input,
		},
	})
	if err != nil {
		return nil, err
	}
	if result.Failed() {
		return nil, apperr.New(apperr.CodeEngineInvocationFailure,
			"dropdown resolution exited abnormally",
			map[string]any{"piece_name": pieceName, "property_name": propertyName})
	}
	return result.Output, nil
}
