package backend

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/conductor/internal/apperr"
	"github.com/joescharf/conductor/internal/failcache"
)

type call struct {
	dir  string
	name string
	args []string
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []call
	reply  func(args []string) ([]byte, []byte, error)
	active int
	maxPar int
}

func (f *fakeRunner) Run(_ context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{dir: dir, name: name, args: args})
	f.active++
	if f.active > f.maxPar {
		f.maxPar = f.active
	}
	reply := f.reply
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()
	if reply == nil {
		return nil, nil, nil
	}
	return reply(args)
}

func (f *fakeRunner) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.name + " " + strings.Join(c.args, " ")
	}
	return out
}

func newTestCLI(kind Kind, r *fakeRunner, opts ...failcache.Option) *CLI {
	return NewCLI(kind, CLIOptions{Runner: r, Cache: failcache.New(opts...)})
}

func TestCLI_ListDecodesBeads(t *testing.T) {
	r := &fakeRunner{reply: func([]string) ([]byte, []byte, error) {
		return []byte(`[
			{"id":"bd-1","title":"Epic","status":"open","priority":0,"issue_type":"epic","labels":["a"]},
			{"id":"bd-1.1","title":"Child","status":"in_progress","priority":2,"acceptance_criteria":"works"}
		]`), nil, nil
	}}
	c := newTestCLI(KindBeads, r)

	issues, err := c.List(context.Background(), "/repo", ListFilter{IncludeClosed: true})
	require.NoError(t, err)
	require.Len(t, issues, 2)

	assert.Equal(t, "epic", issues[0].Type)
	assert.Equal(t, []string{"a"}, issues[0].Labels)
	assert.Equal(t, StatusInProgress, issues[1].Status)
	assert.Equal(t, "bd-1", issues[1].Parent)
	assert.Equal(t, "works", issues[1].Acceptance)

	assert.Equal(t, []string{"bd list --json --all"}, r.lines())
	assert.Equal(t, "/repo", r.calls[0].dir)
}

func TestCLI_ListMapsTracksStatus(t *testing.T) {
	r := &fakeRunner{reply: func([]string) ([]byte, []byte, error) {
		return []byte(`[{"id":"tk-1","title":"x","status":"reviewing","tags":["t"]}]`), nil, nil
	}}
	c := newTestCLI(KindTracks, r)

	issues, err := c.List(context.Background(), "/repo", ListFilter{})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, StatusInProgress, issues[0].Status)
	assert.Equal(t, []string{"t"}, issues[0].Labels)
}

func TestCLI_ShowSingleObject(t *testing.T) {
	r := &fakeRunner{reply: func([]string) ([]byte, []byte, error) {
		return []byte(`{"id":"bd-9","title":"One"}`), nil, nil
	}}
	c := newTestCLI(KindBeads, r)

	is, err := c.Show(context.Background(), "/repo", "bd-9")
	require.NoError(t, err)
	assert.Equal(t, "One", is.Title)
	assert.Equal(t, StatusOpen, is.Status)
	assert.Equal(t, []string{"bd show bd-9 --json"}, r.lines())
}

func TestCLI_ShowMissingIssue(t *testing.T) {
	r := &fakeRunner{reply: func([]string) ([]byte, []byte, error) {
		return nil, []byte("Error: issue bd-404 not found"), errors.New("exit status 1")
	}}
	c := newTestCLI(KindBeads, r)

	_, err := c.Show(context.Background(), "/repo", "bd-404")
	assert.Equal(t, apperr.NotFound, apperr.CodeOf(err))
}

func TestCLI_RetryRunsSequenceInOrder(t *testing.T) {
	r := &fakeRunner{}
	c := newTestCLI(KindBeads, r)

	require.NoError(t, c.RetryAfterRejection(context.Background(), "/repo", "bd-1"))
	assert.Equal(t, []string{
		"bd label remove bd-1 stage:verification",
		"bd label remove bd-1 transition:verification",
		"bd label add bd-1 stage:retry",
	}, r.lines())
}

func TestCLI_SequenceStopsOnFirstFailure(t *testing.T) {
	r := &fakeRunner{reply: func(args []string) ([]byte, []byte, error) {
		if args[0] == "label" && args[1] == "remove" {
			return nil, []byte("database is locked"), errors.New("exit status 1")
		}
		return nil, nil, nil
	}}
	c := newTestCLI(KindBeads, r)

	err := c.PassVerification(context.Background(), "/repo", "bd-1")
	assert.Equal(t, apperr.Locked, apperr.CodeOf(err))
	assert.Len(t, r.lines(), 1)
}

func TestCLI_UnsupportedFailsBeforeRunning(t *testing.T) {
	r := &fakeRunner{}
	c := newTestCLI(KindTracks, r)

	err := c.Delete(context.Background(), "/repo", "tk-1")
	assert.Equal(t, apperr.Unsupported, apperr.CodeOf(err))

	err = c.Sync(context.Background(), "/repo")
	assert.Equal(t, apperr.Unsupported, apperr.CodeOf(err))

	_, err = c.Ready(context.Background(), "/repo")
	assert.Equal(t, apperr.Unsupported, apperr.CodeOf(err))

	assert.Empty(t, r.lines())
}

func TestCLI_CreateRequiresTitle(t *testing.T) {
	r := &fakeRunner{}
	c := newTestCLI(KindBeads, r)

	_, err := c.Create(context.Background(), "/repo", CreateInput{Title: "  "})
	assert.Equal(t, apperr.InvalidInput, apperr.CodeOf(err))
	assert.Empty(t, r.lines())
}

func TestCLI_CreateReturnsIssue(t *testing.T) {
	r := &fakeRunner{reply: func([]string) ([]byte, []byte, error) {
		return []byte(`{"id":"bd-12","title":"Fix login","status":"open"}`), nil, nil
	}}
	c := newTestCLI(KindBeads, r)

	is, err := c.Create(context.Background(), "/repo", CreateInput{Title: "Fix login", Labels: []string{"w"}})
	require.NoError(t, err)
	assert.Equal(t, "bd-12", is.ID)
}

func TestCLI_ReadsServeCachedResultOnBlip(t *testing.T) {
	fail := false
	r := &fakeRunner{reply: func([]string) ([]byte, []byte, error) {
		if fail {
			return nil, []byte("resource temporarily unavailable"), errors.New("exit status 1")
		}
		return []byte(`[{"id":"bd-1","title":"x"}]`), nil, nil
	}}
	c := newTestCLI(KindBeads, r)

	_, err := c.List(context.Background(), "/repo", ListFilter{})
	require.NoError(t, err)

	fail = true
	issues, err := c.List(context.Background(), "/repo", ListFilter{})
	require.NoError(t, err)
	assert.Len(t, issues, 1)

	// A different filter has no fallback.
	_, err = c.List(context.Background(), "/repo", ListFilter{Label: "x"})
	assert.Error(t, err)
}

func TestCLI_FreshReadsSkipCache(t *testing.T) {
	fail := false
	r := &fakeRunner{reply: func([]string) ([]byte, []byte, error) {
		if fail {
			return nil, []byte("database is locked"), errors.New("exit status 1")
		}
		return []byte(`[{"id":"bd-1","title":"x"}]`), nil, nil
	}}
	c := newTestCLI(KindBeads, r)

	_, err := c.List(context.Background(), "/repo", ListFilter{Label: "w"})
	require.NoError(t, err)

	fail = true
	_, err = c.List(WithFreshReads(context.Background()), "/repo", ListFilter{Label: "w"})
	assert.Equal(t, apperr.Locked, apperr.CodeOf(err))

	// Plain reads still fall back to the cached listing.
	issues, err := c.List(context.Background(), "/repo", ListFilter{Label: "w"})
	require.NoError(t, err)
	assert.Len(t, issues, 1)
}

func TestCLI_SameRepoNeverOverlaps(t *testing.T) {
	r := &fakeRunner{reply: func([]string) ([]byte, []byte, error) {
		time.Sleep(5 * time.Millisecond)
		return nil, nil, nil
	}}
	c := newTestCLI(KindBeads, r)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.AddLabel(context.Background(), "/repo", "bd-1", "x")
		}()
	}
	wg.Wait()

	assert.Len(t, r.lines(), 8)
	assert.Equal(t, 1, r.maxPar)
}

func TestCLI_CustomBinary(t *testing.T) {
	r := &fakeRunner{}
	c := NewCLI(KindBeads, CLIOptions{Binary: "/opt/bin/bd", Runner: r})

	require.NoError(t, c.Claim(context.Background(), "/repo", "bd-1"))
	assert.Equal(t, []string{"/opt/bin/bd show bd-1"}, r.lines())
}

func TestNew(t *testing.T) {
	b, err := New(Config{Type: "memory"})
	require.NoError(t, err)
	assert.Equal(t, KindMemory, b.Kind())

	b, err = New(Config{Type: "tracks"})
	require.NoError(t, err)
	assert.Equal(t, "tracks", b.Kind())
	assert.False(t, b.Capabilities().Delete)

	_, err = New(Config{Type: "jira"})
	assert.Equal(t, apperr.InvalidInput, apperr.CodeOf(err))
}
