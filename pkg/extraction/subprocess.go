package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

const defaultStderrTail = 2048

// Subprocess runs one worker process per extraction request and speaks the
// line-delimited JSON protocol with it. The worker binary never shares the
// orchestrator's address space, so a PDF that crashes or hangs the
// extraction library only costs the one request.
type Subprocess struct {
	// Command is the argv of the worker binary.
	Command []string
	// Env entries are appended to the inherited environment.
	Env []string
	// Timeout is the hard wall-clock limit per request. The worker is
	// killed when it elapses.
	Timeout time.Duration

	logger *zap.Logger
}

func NewSubprocess(command []string, timeout time.Duration, logger *zap.Logger) (*Subprocess, error) {
	if len(command) == 0 {
		return nil, errors.New("extraction worker command is empty")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("extraction timeout must be positive, got %s", timeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subprocess{
		Command: command,
		Timeout: timeout,
		logger:  logger,
	}, nil
}

func (s *Subprocess) Extract(ctx context.Context, req Request) (*Result, error) {
	if req.Path == "" && len(req.Bytes) == 0 {
		return nil, &ExtractionError{Kind: WorkerFailure, Detail: "request has neither path nor bytes"}
	}

	line, err := json.Marshal(WireRequest{
		PDFPath:  req.Path,
		PDFBytes: req.Bytes,
		Options:  req.Options,
	})
	if err != nil {
		return nil, &ExtractionError{Kind: WorkerFailure, Detail: "failed to encode request", Err: err}
	}

	cctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	var stdout bytes.Buffer
	stderr := newTailBuffer(defaultStderrTail)

	cmd := exec.CommandContext(cctx, s.Command[0], s.Command[1:]...)
	cmd.Stdin = bytes.NewReader(append(line, '\n'))
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	// Once the context fires the process is killed; don't wait on stdio
	// copies beyond that.
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if cctx.Err() == context.DeadlineExceeded {
		s.logger.Warn("extraction worker timed out",
			zap.String("path", req.Path),
			zap.Duration("timeout", s.Timeout))
		return nil, &ExtractionError{
			Kind:   Timeout,
			Detail: fmt.Sprintf("no response within %s", s.Timeout),
		}
	}
	if ctx.Err() != nil {
		// Parent cancellation is not a worker fault.
		return nil, ctx.Err()
	}

	resp, parseErr := parseResponse(stdout.Bytes())
	if runErr != nil {
		detail := stderr.String()
		if resp != nil && resp.Error != "" {
			detail = resp.Error
		}
		s.logger.Warn("extraction worker failed",
			zap.String("path", req.Path),
			zap.Duration("elapsed", elapsed),
			zap.Error(runErr))
		return nil, &ExtractionError{Kind: WorkerFailure, Detail: detail, Err: runErr}
	}
	if parseErr != nil {
		return nil, &ExtractionError{Kind: WorkerFailure, Detail: "malformed worker response", Err: parseErr}
	}
	if resp.Error != "" {
		return nil, &ExtractionError{Kind: WorkerFailure, Detail: resp.Error}
	}

	s.logger.Debug("extraction completed",
		zap.String("path", req.Path),
		zap.Duration("elapsed", elapsed),
		zap.Int("warnings", len(resp.Warnings)))
	return &Result{Text: resp.Text, Warnings: resp.Warnings}, nil
}

func parseResponse(out []byte) (*WireResponse, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, errors.New("empty response")
	}
	// The response is the first line; anything after it is ignored.
	if i := bytes.IndexByte(out, '\n'); i >= 0 {
		out = out[:i]
	}
	var resp WireResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// tailBuffer keeps the last max bytes written to it, so a chatty crashing
// worker still yields the useful end of its stderr.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(bytes.TrimSpace(t.buf))
}
