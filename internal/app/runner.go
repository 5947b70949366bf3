package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"cronflow/internal/core"
	"cronflow/internal/flight"
	"cronflow/internal/notify"
	"cronflow/internal/workflow"
	logx "cronflow/pkg/logx"
)

const fetchBodyLimit = 64 << 10

// stepRunner executes the built-in step kinds. Remote fetches (api and
// tool steps) go through the single-flight cache so concurrent runs
// hitting the same endpoint collapse into one request.
type stepRunner struct {
	log    logx.Logger
	notif  *notify.Service
	cache  *flight.Cache[string]
	client *http.Client
}

func newStepRunner(notif *notify.Service, cache *flight.Cache[string], log logx.Logger) *stepRunner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &stepRunner{
		log:    log.With(logx.String("svc", "steps")),
		notif:  notif,
		cache:  cache,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *stepRunner) RunStep(ctx context.Context, wf *core.Workflow, s core.Step) workflow.StepResult {
	owner := ""
	if wf != nil {
		owner = wf.Owner
	}

	switch s.Kind {
	case core.StepPrompt, core.StepReminder:
		return r.deliver(ctx, owner, s)
	case core.StepCommand:
		return r.runCommand(ctx, s)
	case core.StepAPI:
		return r.fetch(ctx, strings.TrimSpace(s.Instruction))
	case core.StepTool:
		return r.fetch(ctx, strings.TrimSpace(s.ToolRef))
	default:
		return workflow.StepResult{Err: fmt.Errorf("unknown step kind %q", s.Kind)}
	}
}

// deliver pushes the step text through the notification pipeline.
// Prompts and reminders are both messages to the owner; only the event
// name differs.
func (r *stepRunner) deliver(ctx context.Context, owner string, s core.Step) workflow.StepResult {
	if r.notif == nil {
		return workflow.StepResult{Err: fmt.Errorf("step %s: notifications are disabled", s.ID)}
	}
	event := "step." + string(s.Kind)
	err := r.notif.Notify(ctx, notify.Notification{
		Owner: owner,
		Event: event,
		Title: s.Name,
		Body:  s.Instruction,
	})
	if err != nil {
		return workflow.StepResult{Err: fmt.Errorf("step %s: %w", s.ID, err)}
	}
	return workflow.StepResult{Success: true, Output: "delivered"}
}

func (r *stepRunner) runCommand(ctx context.Context, s core.Step) workflow.StepResult {
	line := strings.TrimSpace(s.Instruction)
	if line == "" {
		return workflow.StepResult{Err: fmt.Errorf("step %s: empty command", s.ID)}
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", line)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := truncate(buf.String(), fetchBodyLimit)
	if err != nil {
		return workflow.StepResult{Output: out, Err: fmt.Errorf("step %s: %w", s.ID, err)}
	}
	return workflow.StepResult{Success: true, Output: out}
}

func (r *stepRunner) fetch(ctx context.Context, url string) workflow.StepResult {
	if url == "" {
		return workflow.StepResult{Err: fmt.Errorf("fetch step has no target")}
	}
	body, err := r.cache.Get(ctx, url, func(ctx context.Context) (string, error) {
		return r.fetchOnce(ctx, url)
	}, flight.Options{})
	if err != nil {
		return workflow.StepResult{Err: err}
	}
	return workflow.StepResult{Success: true, Output: body}
}

func (r *stepRunner) fetchOnce(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return string(b), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
