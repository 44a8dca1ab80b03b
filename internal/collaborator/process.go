// Package collaborator runs the drafter, verifier and executor roles as
// subprocesses. Each call starts the configured command, writes one JSON
// request to its stdin and decodes one JSON response from its stdout.
package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ledgerd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/ledgerd/internal/collaborator"

// maxStderr bounds how much stderr is quoted in errors.
const maxStderr = 2048

// Role names.
const (
	RoleDrafter  = "drafter"
	RoleVerifier = "verifier"
	RoleExecutor = "executor"
)

// Process is one role's command.
type Process struct {
	role   string
	argv   []string
	logger *zap.Logger
	tracer trace.Tracer
}

// NewProcess returns a process for role running argv.
func NewProcess(role string, argv []string, logger *zap.Logger) (*Process, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("%s: command is required", role)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Process{
		role:   role,
		argv:   append([]string(nil), argv...),
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// request is the envelope written to stdin.
type request struct {
	Role    string `json:"role"`
	Payload any    `json:"payload"`
}

// call runs the command in dir with req on stdin and decodes stdout into
// resp. Cancellation and deadline errors from ctx are returned wrapped so
// callers can match them.
func (p *Process) call(ctx context.Context, dir string, taskID string, payload any, resp any) error {
	ctx, span := p.tracer.Start(ctx, "collaborator."+p.role,
		trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	in, err := json.Marshal(request{Role: p.role, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", p.role, err)
	}

	cmd := exec.CommandContext(ctx, p.argv[0], p.argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "LEDGERD_ROLE="+p.role, "LEDGERD_TASK_ID="+taskID)
	cmd.Stdin = bytes.NewReader(in)
	cmd.WaitDelay = 5 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	logger := logging.For(ctx, p.logger)
	if ctxErr := ctx.Err(); ctxErr != nil {
		span.SetStatus(codes.Error, ctxErr.Error())
		return fmt.Errorf("%s collaborator interrupted: %w", p.role, ctxErr)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("collaborator failed", zap.String("role", p.role), zap.Error(err))
		if msg := tail(stderr.String()); msg != "" {
			return fmt.Errorf("%s collaborator failed: %w: %s", p.role, err, msg)
		}
		return fmt.Errorf("%s collaborator failed: %w", p.role, err)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return fmt.Errorf("%s collaborator wrote no response", p.role)
	}
	if err := json.Unmarshal(out, resp); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to decode %s response: %w", p.role, err)
	}
	logger.Debug("collaborator finished",
		zap.String("role", p.role),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		s = s[len(s)-maxStderr:]
	}
	return s
}
