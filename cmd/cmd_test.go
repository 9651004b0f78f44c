package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/service"
)

type stubRunner struct {
	result  schemas.RunResult
	prompts []string
}

func (s *stubRunner) Run(_ context.Context, prompt string) schemas.RunResult {
	s.prompts = append(s.prompts, prompt)
	return s.result
}

// fakeFactory records the configuration it was asked to build from.
type fakeFactory struct {
	runner *stubRunner
	err    error
	gotCfg config.Interface
}

func (f *fakeFactory) Create(_ context.Context, cfg config.Interface, _ *zap.Logger) (*service.Components, error) {
	f.gotCfg = cfg
	if f.err != nil {
		return nil, f.err
	}
	return &service.Components{Runner: f.runner}, nil
}

// resetForTest isolates a test from config files, env and the global logger.
func resetForTest(t *testing.T) string {
	t.Helper()
	cfgFile = ""
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)

	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("WEBPILOT_LOGGER_LEVEL", "fatal")
	t.Setenv("WEBPILOT_ARTIFACT_SCANS_DIR", filepath.Join(dir, "scans"))
	return dir
}

func execute(t *testing.T, factory service.ComponentFactory, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand(factory)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_VersionFlag(t *testing.T) {
	resetForTest(t)
	out, err := execute(t, &fakeFactory{}, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "webpilot version "+Version)
}

func TestVersionCmd(t *testing.T) {
	resetForTest(t)
	out, err := execute(t, &fakeFactory{}, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "webpilot "+Version)
}

func TestRunCmd(t *testing.T) {
	t.Run("prints the result and applies overrides", func(t *testing.T) {
		dir := resetForTest(t)
		want := schemas.RunResult{Status: schemas.RunStatusSuccess, Result: "Success: done", VideoURL: "http://v", RunID: "r1"}
		factory := &fakeFactory{runner: &stubRunner{result: want}}

		out, err := execute(t, factory, "run", "--max-steps", "12", "--headed", "--no-humanoid", "search", "for", "socks")
		require.NoError(t, err)

		var got schemas.RunResult
		require.NoError(t, jsoniter.Unmarshal([]byte(out), &got))
		assert.Equal(t, want, got)
		assert.Equal(t, []string{"search for socks"}, factory.runner.prompts)

		require.NotNil(t, factory.gotCfg)
		assert.Equal(t, 12, factory.gotCfg.Agent().MaxSteps)
		assert.False(t, factory.gotCfg.Browser().Headless)
		assert.False(t, factory.gotCfg.Browser().Humanoid.Enabled)
		assert.DirExists(t, filepath.Join(dir, "scans"))
	})

	t.Run("unsuccessful run exits with error but still prints", func(t *testing.T) {
		resetForTest(t)
		factory := &fakeFactory{runner: &stubRunner{result: schemas.RunResult{Status: schemas.RunStatusFailed, Result: "Failed: Task timed out"}}}

		out, err := execute(t, factory, "run", "buy milk")
		assert.ErrorIs(t, err, errRunUnsuccessful)
		assert.Contains(t, out, `"status": "failed"`)
	})

	t.Run("factory failure", func(t *testing.T) {
		resetForTest(t)
		factory := &fakeFactory{err: errors.New("no api key")}

		_, err := execute(t, factory, "run", "task")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no api key")
	})

	t.Run("requires a task", func(t *testing.T) {
		resetForTest(t)
		_, err := execute(t, &fakeFactory{}, "run")
		require.Error(t, err)
	})
}

func TestConfigLoading(t *testing.T) {
	t.Run("reads the named config file", func(t *testing.T) {
		dir := resetForTest(t)
		path := filepath.Join(dir, "custom.yaml")
		require.NoError(t, os.WriteFile(path, []byte("agent:\n  max_steps: 9\n"), 0o644))

		factory := &fakeFactory{runner: &stubRunner{result: schemas.RunResult{Status: schemas.RunStatusSuccess}}}
		_, err := execute(t, factory, "--config", path, "run", "task")
		require.NoError(t, err)
		assert.Equal(t, 9, factory.gotCfg.Agent().MaxSteps)
	})

	t.Run("missing named config file is an error", func(t *testing.T) {
		dir := resetForTest(t)
		_, err := execute(t, &fakeFactory{}, "--config", filepath.Join(dir, "nope.yaml"), "run", "task")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to initialize configuration")
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		resetForTest(t)
		t.Setenv("WEBPILOT_AGENT_MAX_STEPS", "0")
		_, err := execute(t, &fakeFactory{}, "run", "task")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load or validate config")
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		resetForTest(t)
		t.Setenv("WEBPILOT_AGENT_FAILURE_BUDGET", "5")
		factory := &fakeFactory{runner: &stubRunner{result: schemas.RunResult{Status: schemas.RunStatusSuccess}}}
		_, err := execute(t, factory, "run", "task")
		require.NoError(t, err)
		assert.Equal(t, 5, factory.gotCfg.Agent().FailureBudget)
	})
}

func TestGetConfigFromContext(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	assert.Error(t, err)

	cfg := config.NewDefaultConfig()
	got, err := getConfigFromContext(context.WithValue(context.Background(), configKey, cfg))
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}
