package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konpol/sampipe/internal/core/pipeline"
	"github.com/konpol/sampipe/internal/shell/store"
)

const (
	testARN     = "arn:aws:ecr:eu-central-1:123456789012:repository/sam-app"
	testRepoURI = "123456789012.dkr.ecr.eu-central-1.amazonaws.com/sam-app"
)

const testPipeline = `
pipeline "sam-pipeline" {
  stage "Source" {
    action "Checkout" {
      kind    = "source"
      outputs = ["source"]
    }
  }

  stage "Synth" {
    action "Synthesize" {
      kind    = "synth"
      inputs  = ["source"]
      outputs = ["self"]
    }

    action "BuildPublish" {
      kind    = "build_publish"
      inputs  = ["source"]
      outputs = ["image"]

      config = {
        work_dir = "lib/sam-app"
        service  = "hello"
      }
    }
  }

  stage "UpdatePipeline" {
    action "SelfMutate" {
      kind   = "self_mutate"
      inputs = ["self"]
    }
  }
}
`

const testCompose = `
services:
  hello:
    build:
      context: hello-world
`

// workspace is a source tree plus a config file pointing at it.
type workspace struct {
	root   string
	dbPath string
	config string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	clearEnv(t)

	dir := t.TempDir()
	root := filepath.Join(dir, "src")
	files := map[string]string{
		"pipeline.hcl":                       testPipeline,
		"lib/sam-app/compose.yaml":           testCompose,
		"lib/sam-app/hello-world/Dockerfile": "FROM public.ecr.aws/lambda/provided:al2\n",
	}
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	ws := &workspace{root: root, dbPath: filepath.Join(dir, "state", "sampipe.db")}
	ws.config = filepath.Join(dir, "sampipe.yaml")
	content := fmt.Sprintf(`
database:
  dsn: %q
log:
  level: error
aws:
  region: eu-central-1
source:
  root: %q
params:
  backend: sql
  driver: sqlite3
  dsn: %q
artifacts:
  dir: %q
`, ws.dbPath, root, filepath.Join(dir, "state", "params.db"), filepath.Join(dir, "artifacts"))
	require.NoError(t, os.WriteFile(ws.config, []byte(content), 0o644))
	return ws
}

// execute runs the CLI with the workspace config and returns stdout.
func (ws *workspace) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", ws.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

// =============================================================================
// version / exit codes
// =============================================================================

func TestVersionCommand(t *testing.T) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "sampipe dev (built unknown)\n", out.String())
}

func TestRun_ConfigErrorExitCode(t *testing.T) {
	clearEnv(t)
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("deploy:\n  target: ecs\n"), 0o644))

	assert.Equal(t, ExitConfigError, run([]string{"--config", bad, "synth"}))
}

func TestExitCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &ServerError{Op: "Store", Err: os.ErrPermission, ExitCode: ExitDatabaseError})
	assert.Equal(t, ExitDatabaseError, exitCode(err, ExitConfigError))
	assert.Equal(t, ExitConfigError, exitCode(os.ErrPermission, ExitConfigError))
}

// =============================================================================
// synth
// =============================================================================

func TestSynthCommand_PrintsCanonicalDefinition(t *testing.T) {
	ws := newWorkspace(t)

	out, err := ws.execute(t, "synth")
	require.NoError(t, err)

	def, err := pipeline.UnmarshalDefinition([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, "sam-pipeline", def.Name)
	assert.Equal(t, 2, def.StageIndex("UpdatePipeline"))

	again, err := ws.execute(t, "synth")
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestSynthCommand_Diff(t *testing.T) {
	ws := newWorkspace(t)

	out, err := ws.execute(t, "synth", "--diff")
	require.NoError(t, err)
	assert.Contains(t, out, "live  none")
	assert.Contains(t, out, "added stage Source")

	synthesized, err := ws.execute(t, "synth")
	require.NoError(t, err)
	def, err := pipeline.UnmarshalDefinition([]byte(synthesized))
	require.NoError(t, err)

	s, err := store.NewSQLiteStore(ws.dbPath)
	require.NoError(t, err)
	_, err = s.SaveDefinition(context.Background(), def, 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	out, err = ws.execute(t, "synth", "--diff")
	require.NoError(t, err)
	assert.Contains(t, out, "live  version 1")
	assert.Contains(t, out, "no changes")
}

func TestSynthCommand_MissingFile(t *testing.T) {
	ws := newWorkspace(t)
	require.NoError(t, os.Remove(filepath.Join(ws.root, "pipeline.hcl")))

	_, err := ws.execute(t, "synth")
	require.Error(t, err)
	assert.Equal(t, ExitPipelineFailed, exitCode(err, ExitConfigError))
}

// =============================================================================
// param
// =============================================================================

func TestParamCommands(t *testing.T) {
	ws := newWorkspace(t)

	out, err := ws.execute(t, "param", "put", "/sam/ecr/latest", "hello-4f1c2a9b8e7d")
	require.NoError(t, err)
	assert.Equal(t, "created /sam/ecr/latest\n", out)

	out, err = ws.execute(t, "param", "put", "/sam/ecr/latest", "hello-0a1b2c3d4e5f")
	require.NoError(t, err)
	assert.Equal(t, "updated /sam/ecr/latest\n", out)

	out, err = ws.execute(t, "param", "get", "/sam/ecr/latest")
	require.NoError(t, err)
	assert.Equal(t, "hello-0a1b2c3d4e5f\n", out)

	_, err = ws.execute(t, "param", "get", "/sam/ecr/missing")
	assert.Error(t, err)

	_, err = ws.execute(t, "param", "get", "sam/ecr/latest")
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, exitCode(err, ExitAWSError))
}

// =============================================================================
// recipe
// =============================================================================

func TestRecipeCommand(t *testing.T) {
	ws := newWorkspace(t)
	_, err := ws.execute(t, "param", "put", "/sam/ecr/arn", testARN)
	require.NoError(t, err)
	_, err = ws.execute(t, "param", "put", "/sam/ecr/name", "sam-app")
	require.NoError(t, err)

	out, err := ws.execute(t, "recipe")
	require.NoError(t, err)

	assert.Contains(t, out, "cd lib/sam-app\n")
	assert.Contains(t, out, "docker build --tag sampipe/hello:build --file Dockerfile hello-world\n")
	assert.Contains(t, out, fmt.Sprintf("docker push \"%s:$TAG\"", testRepoURI))
	assert.Contains(t, out, "--name /sam/ecr/latest")
	assert.NotContains(t, out, "get-caller-identity")

	named, err := ws.execute(t, "recipe", "BuildPublish")
	require.NoError(t, err)
	assert.Equal(t, out, named)
}

func TestRecipeCommand_Errors(t *testing.T) {
	ws := newWorkspace(t)

	_, err := ws.execute(t, "recipe")
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrUnresolvedReference)

	_, err = ws.execute(t, "recipe", "SelfMutate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "self_mutate action")

	_, err = ws.execute(t, "recipe", "Nope")
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, exitCode(err, ExitPipelineFailed))
}
