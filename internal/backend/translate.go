package backend

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/joescharf/conductor/internal/apperr"
)

// Kind identifies a tracker CLI dialect.
type Kind string

const (
	// KindBeads is the primary tracker, driven through the `bd` CLI.
	KindBeads Kind = "beads"
	// KindTracks is the secondary tracker, driven through the `tk` CLI. It
	// has its own status vocabulary and calls labels "tags".
	KindTracks Kind = "tracks"
)

// ParseKind validates a configured backend kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindBeads:
		return KindBeads, nil
	case KindTracks:
		return KindTracks, nil
	default:
		return "", apperr.New(apperr.InvalidInput, "unknown backend kind %q", s)
	}
}

// Workflow labels used by the verification actions.
const (
	LabelStageVerification      = "stage:verification"
	LabelTransitionVerification = "transition:verification"
	LabelStageRetry             = "stage:retry"
)

// Command is one tracker CLI invocation, without the binary name.
type Command struct {
	Args []string
	// quoted marks argument positions rendered in double quotes by String.
	quoted map[int]bool
}

// String renders the command the way it is shown in logs, with issue ids
// and free text in double quotes.
func (c Command) String() string {
	parts := make([]string, len(c.Args))
	for i, a := range c.Args {
		if c.quoted[i] {
			parts[i] = `"` + a + `"`
		} else {
			parts[i] = a
		}
	}
	return strings.Join(parts, " ")
}

type builder struct{ c Command }

func verb(words ...string) *builder {
	return &builder{c: Command{Args: append([]string(nil), words...), quoted: map[int]bool{}}}
}

// ref appends a quoted argument.
func (b *builder) ref(s string) *builder {
	b.c.quoted[len(b.c.Args)] = true
	b.c.Args = append(b.c.Args, s)
	return b
}

func (b *builder) arg(s ...string) *builder {
	b.c.Args = append(b.c.Args, s...)
	return b
}

// flag appends name and value when value is non-empty.
func (b *builder) flag(name, value string) *builder {
	if value == "" {
		return b
	}
	b.c.Args = append(b.c.Args, name, value)
	return b
}

func (b *builder) build() Command { return b.c }

// dialect maps abstract tracker actions onto one CLI's vocabulary. It is
// sealed: every Kind has exactly one implementation, and adding an action
// here forces every dialect to implement it.
type dialect interface {
	binary() string
	capabilities() Capabilities

	show(id string) Command
	list(f ListFilter) Command
	search(query string) Command
	ready() Command
	create(in CreateInput) Command
	update(id string, in UpdateInput) Command
	closeIssue(id, reason string) Command
	deleteIssue(id string) Command
	addLabel(id, label string) Command
	removeLabel(id, label string) Command
	addDependency(id, dependsOn string) Command
	sync() Command

	stage(id string) []Command
	retry(id string) []Command
	pass(id string) []Command
	claim(id string) Command
	setState(id string, s Status) Command

	decode(data []byte) ([]Issue, error)
}

func dialectFor(k Kind) dialect {
	switch k {
	case KindBeads:
		return beadsDialect{}
	case KindTracks:
		return tracksDialect{}
	}
	panic(fmt.Sprintf("backend: no dialect for kind %q", k))
}

// ShowCommand returns the argv for showing an issue.
func ShowCommand(k Kind, id string) Command { return dialectFor(k).show(id) }

// StageCommands returns the argv sequence that stages an issue for
// verification.
func StageCommands(k Kind, id string) []Command { return dialectFor(k).stage(id) }

// RetryCommands returns the argv sequence that sends a rejected issue back
// for another attempt.
func RetryCommands(k Kind, id string) []Command { return dialectFor(k).retry(id) }

// PassCommands returns the argv sequence that marks verification passed.
func PassCommands(k Kind, id string) []Command { return dialectFor(k).pass(id) }

// ClaimCommand returns the argv for claiming an issue.
func ClaimCommand(k Kind, id string) Command { return dialectFor(k).claim(id) }

// SetStateCommand returns the argv for moving an issue to a compat status.
func SetStateCommand(k Kind, id string, s Status) Command { return dialectFor(k).setState(id, s) }

// Binary returns the CLI executable for a kind.
func Binary(k Kind) string { return dialectFor(k).binary() }

// DefaultCapabilities returns the capability record of a kind's CLI.
func DefaultCapabilities(k Kind) Capabilities { return dialectFor(k).capabilities() }

// --- tracks status vocabulary ---

var tracksToCompat = map[string]Status{
	"idea":         StatusOpen,
	"work_item":    StatusOpen,
	"implementing": StatusInProgress,
	"implemented":  StatusInProgress,
	"reviewing":    StatusInProgress,
	"refining":     StatusInProgress,
	"approved":     StatusInProgress,
	"rejected":     StatusBlocked,
	"deferred":     StatusDeferred,
	"shipped":      StatusClosed,
	"abandoned":    StatusClosed,
}

var compatToTracks = map[Status]string{
	StatusOpen:       "work_item",
	StatusInProgress: "implementing",
	StatusBlocked:    "rejected",
	StatusDeferred:   "deferred",
	StatusClosed:     "shipped",
}

// CompatStatus maps a tracks status onto the compat vocabulary. Unknown
// values map to open.
func CompatStatus(native string) Status {
	if s, ok := tracksToCompat[strings.ToLower(native)]; ok {
		return s
	}
	return StatusOpen
}

// NativeStatus maps a compat status onto the tracks vocabulary. Unknown
// values map to work_item.
func NativeStatus(s Status) string {
	if n, ok := compatToTracks[s]; ok {
		return n
	}
	return "work_item"
}

// --- beads ---

type beadsDialect struct{}

func (beadsDialect) binary() string { return "bd" }

func (beadsDialect) capabilities() Capabilities {
	return Capabilities{
		Create: true, Update: true, Delete: true, Close: true,
		Search: true, Query: true, ListReady: true,
		Dependencies: true, Labels: true, Sync: true,
		MaxConcurrency: 1,
	}
}

func (beadsDialect) show(id string) Command { return verb("show").ref(id).build() }

func (beadsDialect) list(f ListFilter) Command {
	b := verb("list", "--json").flag("--status", string(f.Status)).flag("--label", f.Label).flag("--parent", f.Parent)
	if f.IncludeClosed && f.Status == "" {
		b.arg("--all")
	}
	return b.build()
}

func (beadsDialect) search(query string) Command {
	return verb("search").ref(query).arg("--json").build()
}

func (beadsDialect) ready() Command { return verb("ready", "--json").build() }

func (beadsDialect) create(in CreateInput) Command {
	b := verb("create").ref(in.Title).arg("--json").
		flag("--description", in.Description).
		flag("--notes", in.Notes).
		flag("--acceptance", in.Acceptance).
		flag("--priority", strconv.Itoa(in.Priority)).
		flag("--type", in.Type).
		flag("--assignee", in.Assignee).
		flag("--parent", in.Parent)
	if labels := uniqueLabels(in.Labels); len(labels) > 0 {
		b.flag("--labels", strings.Join(labels, ","))
	}
	return b.build()
}

func (beadsDialect) update(id string, in UpdateInput) Command {
	b := verb("update").ref(id).
		flag("--title", in.Title).
		flag("--description", in.Description).
		flag("--notes", in.Notes).
		flag("--acceptance", in.Acceptance).
		flag("--status", string(in.Status)).
		flag("--assignee", in.Assignee).
		flag("--parent", in.Parent)
	if in.Priority != nil {
		b.flag("--priority", strconv.Itoa(*in.Priority))
	}
	for _, l := range uniqueLabels(in.AddLabels) {
		b.flag("--add-label", l)
	}
	for _, l := range uniqueLabels(in.RemoveLabels) {
		b.flag("--remove-label", l)
	}
	return b.build()
}

func (beadsDialect) closeIssue(id, reason string) Command {
	return verb("close").ref(id).flag("--reason", reason).build()
}

func (beadsDialect) deleteIssue(id string) Command {
	return verb("delete").ref(id).arg("--force").build()
}

func (beadsDialect) addLabel(id, label string) Command {
	return verb("label", "add").ref(id).arg(label).build()
}

func (beadsDialect) removeLabel(id, label string) Command {
	return verb("label", "remove").ref(id).arg(label).build()
}

func (beadsDialect) addDependency(id, dependsOn string) Command {
	return verb("dep", "add").ref(id).ref(dependsOn).build()
}

func (beadsDialect) sync() Command { return verb("sync").build() }

func (beadsDialect) stage(id string) []Command {
	return []Command{
		verb("update").ref(id).arg("--status", string(StatusInProgress), "--add-label", LabelStageVerification).build(),
	}
}

func (d beadsDialect) retry(id string) []Command {
	return []Command{
		d.removeLabel(id, LabelStageVerification),
		d.removeLabel(id, LabelTransitionVerification),
		d.addLabel(id, LabelStageRetry),
	}
}

func (d beadsDialect) pass(id string) []Command {
	return []Command{
		d.removeLabel(id, LabelStageVerification),
		d.removeLabel(id, LabelTransitionVerification),
		verb("close").ref(id).build(),
	}
}

func (d beadsDialect) claim(id string) Command { return d.show(id) }

func (beadsDialect) setState(id string, s Status) Command {
	return verb("update").ref(id).arg("--status", string(s)).build()
}

// --- tracks ---

type tracksDialect struct{}

func (tracksDialect) binary() string { return "tk" }

func (tracksDialect) capabilities() Capabilities {
	return Capabilities{
		Create: true, Update: true, Close: true,
		Search: true, Query: true,
		Dependencies: true, Labels: true,
	}
}

func (tracksDialect) show(id string) Command { return verb("show").ref(id).build() }

func (tracksDialect) list(f ListFilter) Command {
	b := verb("list", "--json").flag("--tag", f.Label).flag("--parent", f.Parent)
	if f.Status != "" {
		b.flag("--status", NativeStatus(f.Status))
	} else if f.IncludeClosed {
		b.arg("--all")
	}
	return b.build()
}

func (tracksDialect) search(query string) Command {
	return verb("search").ref(query).arg("--json").build()
}

func (tracksDialect) ready() Command { return verb("list", "--json", "--status", "work_item").build() }

func (tracksDialect) create(in CreateInput) Command {
	b := verb("create").ref(in.Title).arg("--json").
		flag("--description", in.Description).
		flag("--notes", in.Notes).
		flag("--acceptance", in.Acceptance).
		flag("--priority", strconv.Itoa(in.Priority)).
		flag("--type", in.Type).
		flag("--assignee", in.Assignee).
		flag("--parent", in.Parent)
	if in.Status != "" {
		b.flag("--status", NativeStatus(in.Status))
	}
	for _, l := range uniqueLabels(in.Labels) {
		b.flag("--tag", l)
	}
	return b.build()
}

func (tracksDialect) update(id string, in UpdateInput) Command {
	b := verb("update").ref(id).
		flag("--title", in.Title).
		flag("--description", in.Description).
		flag("--notes", in.Notes).
		flag("--acceptance", in.Acceptance).
		flag("--assignee", in.Assignee).
		flag("--parent", in.Parent)
	if in.Status != "" {
		b.flag("--status", NativeStatus(in.Status))
	}
	if in.Priority != nil {
		b.flag("--priority", strconv.Itoa(*in.Priority))
	}
	for _, l := range uniqueLabels(in.AddLabels) {
		b.flag("--add-tag", l)
	}
	for _, l := range uniqueLabels(in.RemoveLabels) {
		b.flag("--remove-tag", l)
	}
	return b.build()
}

func (tracksDialect) closeIssue(id, _ string) Command {
	return verb("update").ref(id).arg("--status", "shipped").build()
}

func (tracksDialect) deleteIssue(id string) Command {
	return verb("delete").ref(id).build()
}

func (tracksDialect) addLabel(id, label string) Command {
	return verb("update").ref(id).arg("--add-tag", label).build()
}

func (tracksDialect) removeLabel(id, label string) Command {
	return verb("update").ref(id).arg("--remove-tag", label).build()
}

func (tracksDialect) addDependency(id, dependsOn string) Command {
	return verb("link").ref(id).arg("--blocked-by").ref(dependsOn).build()
}

func (tracksDialect) sync() Command { return verb("sync").build() }

func (tracksDialect) stage(id string) []Command {
	return []Command{
		verb("update").ref(id).arg("--status", "implementing", "--add-tag", LabelStageVerification).build(),
	}
}

func (tracksDialect) retry(id string) []Command {
	return []Command{
		verb("update").ref(id).arg(
			"--remove-tag", LabelStageVerification,
			"--remove-tag", LabelTransitionVerification,
			"--add-tag", LabelStageRetry,
		).build(),
	}
}

func (tracksDialect) pass(id string) []Command {
	return []Command{
		verb("update").ref(id).arg(
			"--remove-tag", LabelStageVerification,
			"--remove-tag", LabelTransitionVerification,
			"--status", "shipped", "--force",
		).build(),
	}
}

func (tracksDialect) claim(id string) Command {
	return verb("claim").ref(id).arg("--json").build()
}

func (tracksDialect) setState(id string, s Status) Command {
	return verb("update").ref(id).arg("--status", NativeStatus(s)).build()
}
