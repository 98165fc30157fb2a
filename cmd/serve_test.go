package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/conductor/internal/daemon"
)

func TestPidFile_Path(t *testing.T) {
	dir := testEnv(t)

	pf := pidFile()
	assert.Equal(t, filepath.Join(dir, "conductor-serve.pid"), pf.Path)
}

func TestServeLogPath(t *testing.T) {
	dir := testEnv(t)
	assert.Equal(t, filepath.Join(dir, "conductor-serve.log"), serveLogPath())
}

func TestServeStatusRun_NotRunning(t *testing.T) {
	testEnv(t)

	require.NoError(t, serveStatusRun())
	assert.Contains(t, ui.Out.(*bytes.Buffer).String(), "not running")
}

func TestServeStatusRun_Running(t *testing.T) {
	dir := testEnv(t)

	pf := daemon.NewPIDFile(filepath.Join(dir, "conductor-serve.pid"))
	require.NoError(t, pf.Write())
	t.Cleanup(func() { _ = os.Remove(pf.Path) })

	require.NoError(t, serveStatusRun())
	assert.Contains(t, ui.Out.(*bytes.Buffer).String(), "is running (pid")
}

func TestServeStopRun_NotRunning(t *testing.T) {
	testEnv(t)

	err := serveStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestServeStartRun_AlreadyRunning(t *testing.T) {
	dir := testEnv(t)

	pf := daemon.NewPIDFile(filepath.Join(dir, "conductor-serve.pid"))
	require.NoError(t, pf.Write())
	t.Cleanup(func() { _ = os.Remove(pf.Path) })

	err := serveStartRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestServeRun_RefusesSecondServer(t *testing.T) {
	dir := testEnv(t)

	pf := daemon.NewPIDFile(filepath.Join(dir, "conductor-serve.pid"))
	require.NoError(t, pf.WritePID(os.Getppid()))

	err := serveRun(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}
