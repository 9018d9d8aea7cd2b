// Package executor defines the seam between the orchestration engine
// and whatever actually runs agent work. The shipped implementation is
// a canned simulator; a model-backed executor plugs in behind the same
// interface.
package executor

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"aipilot/internal/domain"
	"aipilot/internal/fault"
)

// Request is one unit of agent work.
type Request struct {
	Agent   domain.Agent
	Command string
}

// Outcome is the completed result of a Request.
type Outcome struct {
	Result     string
	Confidence float64
	Compliance float64
}

// App is the artifact produced for a build prompt.
type App struct {
	Name     string
	SpecText string
	Code     string
}

// Executor runs agent commands and generates build artifacts.
type Executor interface {
	Execute(ctx context.Context, req Request) (Outcome, error)
	GenerateApp(ctx context.Context, prompt string) (App, error)
}

// Canned simulates execution with randomized delays and templated
// results keyed off the command text.
type Canned struct {
	MinDelay time.Duration
	MaxDelay time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewCanned(minDelay, maxDelay time.Duration) *Canned {
	return &Canned{
		MinDelay: minDelay,
		MaxDelay: maxDelay,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Canned) Execute(ctx context.Context, req Request) (Outcome, error) {
	if strings.TrimSpace(req.Command) == "" {
		return Outcome{}, &fault.ValidationError{Field: "command", Reason: "must not be empty"}
	}
	if err := c.wait(ctx); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Result:     c.resultFor(req),
		Confidence: c.between(0.88, 0.99),
		Compliance: c.between(0.90, 1.0),
	}, nil
}

func (c *Canned) resultFor(req Request) string {
	cmd := strings.ToLower(req.Command)
	switch {
	case strings.Contains(cmd, "app spec") || strings.Contains(cmd, "zap"):
		return fmt.Sprintf("Specification drafted: %s\n\n## Overview\nA focused application addressing the request, with a minimal data model and three core screens.", req.Command)
	case strings.Contains(cmd, "test"):
		return "Test run complete: 42 passed, 0 failed, coverage 87%."
	case strings.Contains(cmd, "deploy"):
		return "Deployment finished. The application is live at its production URL."
	default:
		return fmt.Sprintf("%s agent completed: %s", capitalize(req.Agent.Role), req.Command)
	}
}

func (c *Canned) GenerateApp(ctx context.Context, prompt string) (App, error) {
	if strings.TrimSpace(prompt) == "" {
		return App{}, &fault.ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	if err := c.wait(ctx); err != nil {
		return App{}, err
	}
	name := appNameFor(prompt)
	return App{
		Name:     name,
		SpecText: fmt.Sprintf("# %s\n\nGenerated from prompt: %s\n\n- Single-page application\n- SQLite-backed persistence\n- REST API", name, prompt),
		Code:     fmt.Sprintf("// %s\n// generated application scaffold\npackage main\n\nfunc main() {}\n", name),
	}, nil
}

// appNameFor derives a short title from the first few prompt words.
func appNameFor(prompt string) string {
	words := strings.Fields(prompt)
	if len(words) > 4 {
		words = words[:4]
	}
	for i, w := range words {
		words[i] = capitalize(strings.ToLower(strings.Trim(w, ".,!?")))
	}
	return strings.Join(words, " ")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (c *Canned) wait(ctx context.Context) error {
	d := c.MinDelay
	if c.MaxDelay > c.MinDelay {
		c.mu.Lock()
		d += time.Duration(c.rnd.Int63n(int64(c.MaxDelay - c.MinDelay)))
		c.mu.Unlock()
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Canned) between(lo, hi float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo + c.rnd.Float64()*(hi-lo)
}
