package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/joescharf/conductor/internal/apperr"
	"github.com/joescharf/conductor/internal/failcache"
	"github.com/joescharf/conductor/internal/serial"
)

// Runner executes one external command in dir.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

// CLIOptions tunes a CLI backend. Zero values get defaults.
type CLIOptions struct {
	Binary  string
	Runner  Runner
	Timeout time.Duration
	Queue   *serial.Queue
	Cache   *failcache.Cache
	Logger  *slog.Logger
}

// CLI drives a tracker through its command-line tool. Commands against the
// same repository are serialized; reads are wrapped in the failure cache.
type CLI struct {
	kind    Kind
	d       dialect
	binary  string
	runner  Runner
	timeout time.Duration
	queue   *serial.Queue
	cache   *failcache.Cache
	logger  *slog.Logger
}

// NewCLI returns a CLI backend for kind.
func NewCLI(kind Kind, opts CLIOptions) *CLI {
	d := dialectFor(kind)
	c := &CLI{
		kind:    kind,
		d:       d,
		binary:  opts.Binary,
		runner:  opts.Runner,
		timeout: opts.Timeout,
		queue:   opts.Queue,
		cache:   opts.Cache,
		logger:  opts.Logger,
	}
	if c.binary == "" {
		c.binary = d.binary()
	}
	if c.runner == nil {
		c.runner = ExecRunner{}
	}
	if c.queue == nil {
		c.queue = serial.New()
	}
	if c.cache == nil {
		c.cache = failcache.New()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

func (c *CLI) Kind() string               { return string(c.kind) }
func (c *CLI) Capabilities() Capabilities { return c.d.capabilities() }

// exec runs cmds in order inside one serialized slot for repo and returns the
// last command's stdout. The first failing command stops the sequence.
func (c *CLI) exec(ctx context.Context, repo string, cmds ...Command) ([]byte, error) {
	return serial.Do(ctx, c.queue, repo, func(ctx context.Context) ([]byte, error) {
		var out []byte
		for _, cmd := range cmds {
			var err error
			out, err = c.runOne(ctx, repo, cmd)
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	})
}

func (c *CLI) runOne(ctx context.Context, repo string, cmd Command) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	stdout, stderr, err := c.runner.Run(ctx, repo, c.binary, cmd.Args...)
	c.logger.Debug("tracker command",
		"backend", c.kind,
		"repo", repo,
		"cmd", c.binary+" "+cmd.String(),
		"duration", time.Since(start),
		"err", err,
	)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", c.binary, cmd.Args[0], apperr.Classify(err, string(stderr)))
	}
	return stdout, nil
}

// read runs a query command through the failure cache.
type freshReadsKey struct{}

// WithFreshReads marks ctx so that reads made with it always reach the
// tracker. A failed fresh read returns its error instead of a cached result.
// Callers about to mutate based on what they read use it.
func WithFreshReads(ctx context.Context) context.Context {
	return context.WithValue(ctx, freshReadsKey{}, true)
}

func freshReads(ctx context.Context) bool {
	v, _ := ctx.Value(freshReadsKey{}).(bool)
	return v
}

func (c *CLI) read(ctx context.Context, op, repo, sig string, cmd Command) ([]Issue, error) {
	fetch := func() ([]Issue, error) {
		out, err := c.exec(ctx, repo, cmd)
		if err != nil {
			return nil, err
		}
		return c.d.decode(out)
	}
	if freshReads(ctx) {
		return fetch()
	}
	return failcache.Do(c.cache, op, repo+"|"+sig, fetch)
}

func (c *CLI) List(ctx context.Context, repo string, f ListFilter) ([]Issue, error) {
	if err := AssertCapability(c.Capabilities(), CapQuery); err != nil {
		return nil, err
	}
	return c.read(ctx, "list", repo, f.signature(), c.d.list(f))
}

func (c *CLI) Show(ctx context.Context, repo, id string) (*Issue, error) {
	cmd := c.d.show(id)
	cmd.Args = append(cmd.Args, "--json")
	issues, err := c.read(ctx, "show", repo, id, cmd)
	if err != nil {
		return nil, err
	}
	if len(issues) == 0 {
		return nil, apperr.New(apperr.NotFound, "issue %s not found", id)
	}
	return &issues[0], nil
}

func (c *CLI) Search(ctx context.Context, repo, query string) ([]Issue, error) {
	if err := AssertCapability(c.Capabilities(), CapSearch); err != nil {
		return nil, err
	}
	return c.read(ctx, "search", repo, "q="+query, c.d.search(query))
}

func (c *CLI) Ready(ctx context.Context, repo string) ([]Issue, error) {
	if err := AssertCapability(c.Capabilities(), CapListReady); err != nil {
		return nil, err
	}
	return c.read(ctx, "ready", repo, "", c.d.ready())
}

func (c *CLI) Create(ctx context.Context, repo string, in CreateInput) (*Issue, error) {
	if err := AssertCapability(c.Capabilities(), CapCreate); err != nil {
		return nil, err
	}
	if len(in.Labels) > 0 {
		if err := AssertCapability(c.Capabilities(), CapLabels); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, apperr.New(apperr.InvalidInput, "title is required")
	}
	out, err := c.exec(ctx, repo, c.d.create(in))
	if err != nil {
		return nil, err
	}
	issues, err := c.d.decode(out)
	if err != nil {
		return nil, err
	}
	if len(issues) == 0 || issues[0].ID == "" {
		return nil, apperr.New(apperr.Internal, "%s create returned no issue id", c.binary)
	}
	return &issues[0], nil
}

func (c *CLI) Update(ctx context.Context, repo, id string, in UpdateInput) error {
	if err := AssertCapability(c.Capabilities(), CapUpdate); err != nil {
		return err
	}
	if len(in.AddLabels)+len(in.RemoveLabels) > 0 {
		if err := AssertCapability(c.Capabilities(), CapLabels); err != nil {
			return err
		}
	}
	_, err := c.exec(ctx, repo, c.d.update(id, in))
	return err
}

func (c *CLI) Close(ctx context.Context, repo, id, reason string) error {
	if err := AssertCapability(c.Capabilities(), CapClose); err != nil {
		return err
	}
	_, err := c.exec(ctx, repo, c.d.closeIssue(id, reason))
	return err
}

func (c *CLI) Delete(ctx context.Context, repo, id string) error {
	if err := AssertCapability(c.Capabilities(), CapDelete); err != nil {
		return err
	}
	_, err := c.exec(ctx, repo, c.d.deleteIssue(id))
	return err
}

func (c *CLI) AddLabel(ctx context.Context, repo, id, label string) error {
	if err := AssertCapability(c.Capabilities(), CapLabels); err != nil {
		return err
	}
	_, err := c.exec(ctx, repo, c.d.addLabel(id, label))
	return err
}

func (c *CLI) RemoveLabel(ctx context.Context, repo, id, label string) error {
	if err := AssertCapability(c.Capabilities(), CapLabels); err != nil {
		return err
	}
	_, err := c.exec(ctx, repo, c.d.removeLabel(id, label))
	return err
}

func (c *CLI) AddDependency(ctx context.Context, repo, id, dependsOn string) error {
	if err := AssertCapability(c.Capabilities(), CapDependencies); err != nil {
		return err
	}
	_, err := c.exec(ctx, repo, c.d.addDependency(id, dependsOn))
	return err
}

func (c *CLI) Sync(ctx context.Context, repo string) error {
	if err := AssertCapability(c.Capabilities(), CapSync); err != nil {
		return err
	}
	_, err := c.exec(ctx, repo, c.d.sync())
	return err
}

func (c *CLI) StageForVerification(ctx context.Context, repo, id string) error {
	if err := AssertCapability(c.Capabilities(), CapUpdate, CapLabels); err != nil {
		return err
	}
	_, err := c.exec(ctx, repo, c.d.stage(id)...)
	return err
}

func (c *CLI) RetryAfterRejection(ctx context.Context, repo, id string) error {
	if err := AssertCapability(c.Capabilities(), CapUpdate, CapLabels); err != nil {
		return err
	}
	_, err := c.exec(ctx, repo, c.d.retry(id)...)
	return err
}

func (c *CLI) PassVerification(ctx context.Context, repo, id string) error {
	if err := AssertCapability(c.Capabilities(), CapClose, CapLabels); err != nil {
		return err
	}
	_, err := c.exec(ctx, repo, c.d.pass(id)...)
	return err
}

func (c *CLI) Claim(ctx context.Context, repo, id string) error {
	if err := AssertCapability(c.Capabilities(), CapUpdate); err != nil {
		return err
	}
	_, err := c.exec(ctx, repo, c.d.claim(id))
	return err
}

func (c *CLI) SetWorkflowState(ctx context.Context, repo, id string, s Status) error {
	if err := AssertCapability(c.Capabilities(), CapUpdate); err != nil {
		return err
	}
	_, err := c.exec(ctx, repo, c.d.setState(id, s))
	return err
}

// wireIssue is the JSON both CLIs emit. Field names differ slightly between
// tools; both spellings are accepted.
type wireIssue struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Notes              string   `json:"notes"`
	AcceptanceCriteria string   `json:"acceptance_criteria"`
	Acceptance         string   `json:"acceptance"`
	Status             string   `json:"status"`
	Priority           int      `json:"priority"`
	IssueType          string   `json:"issue_type"`
	Type               string   `json:"type"`
	Labels             []string `json:"labels"`
	Tags               []string `json:"tags"`
	Assignee           string   `json:"assignee"`
	Parent             string   `json:"parent"`
	Due                string   `json:"due"`
	EstimatedMinutes   int      `json:"estimated_minutes"`
	Estimate           int      `json:"estimate"`
}

func (w wireIssue) issue(status Status) Issue {
	is := Issue{
		ID:          w.ID,
		Title:       w.Title,
		Description: w.Description,
		Notes:       w.Notes,
		Acceptance:  firstNonEmpty(w.AcceptanceCriteria, w.Acceptance),
		Status:      status,
		Priority:    w.Priority,
		Type:        firstNonEmpty(w.IssueType, w.Type),
		Labels:      uniqueLabels(append(w.Labels, w.Tags...)),
		Assignee:    w.Assignee,
		Parent:      w.Parent,
		Due:         w.Due,
		Estimate:    w.EstimatedMinutes,
	}
	if is.Estimate == 0 {
		is.Estimate = w.Estimate
	}
	if is.Parent == "" {
		is.Parent = deriveParentID(is.ID)
	}
	return is
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// decodeWire accepts a JSON array or a single object.
func decodeWire(data []byte) ([]wireIssue, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '{' {
		var one wireIssue
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "decode tracker output")
		}
		return []wireIssue{one}, nil
	}
	var many []wireIssue
	if err := json.Unmarshal(data, &many); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "decode tracker output")
	}
	return many, nil
}

func (beadsDialect) decode(data []byte) ([]Issue, error) {
	ws, err := decodeWire(data)
	if err != nil {
		return nil, err
	}
	out := make([]Issue, 0, len(ws))
	for _, w := range ws {
		s := Status(strings.ToLower(w.Status))
		if s == "" {
			s = StatusOpen
		}
		out = append(out, w.issue(s))
	}
	return out, nil
}

func (tracksDialect) decode(data []byte) ([]Issue, error) {
	ws, err := decodeWire(data)
	if err != nil {
		return nil, err
	}
	out := make([]Issue, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.issue(CompatStatus(w.Status)))
	}
	return out, nil
}
