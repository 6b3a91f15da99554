package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konpol/sampipe/internal/core/pipeline"
	"github.com/konpol/sampipe/internal/shell/artifacts"
)

// =============================================================================
// Test Helpers
// =============================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func samDefinition() pipeline.Definition {
	return pipeline.Definition{
		Name: "sam-pipeline",
		Stages: []pipeline.Stage{
			{Name: "Source", Actions: []pipeline.Action{
				{Name: "Checkout", Kind: pipeline.KindSource, Outputs: []string{"source"}},
			}},
			{Name: "Synth", Actions: []pipeline.Action{
				{Name: "Synthesize", Kind: pipeline.KindSynth, RunOrder: 1, Inputs: []string{"source"}, Outputs: []string{"self"}},
				{Name: "BuildPublish", Kind: pipeline.KindBuildPublish, RunOrder: 1, Inputs: []string{"source"}, Outputs: []string{"image"}},
			}},
			{Name: "UpdatePipeline", Actions: []pipeline.Action{
				{Name: "SelfMutate", Kind: pipeline.KindSelfMutate, Inputs: []string{"self"}},
			}},
			{Name: "LambdaStage", Actions: []pipeline.Action{
				{Name: "Deploy", Kind: pipeline.KindDeploy, Inputs: []string{"image"}, Outputs: []string{"deployment"}},
			}},
		},
	}
}

// recordingRecorder keeps the last saved copy of every execution.
type recordingRecorder struct {
	mu    sync.Mutex
	saved map[string]pipeline.Execution
	saves int
}

func newRecordingRecorder() *recordingRecorder {
	return &recordingRecorder{saved: make(map[string]pipeline.Execution)}
}

func (r *recordingRecorder) SaveExecution(ctx context.Context, exec *pipeline.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved[exec.ID] = *exec
	r.saves++
	return nil
}

func (r *recordingRecorder) get(id string) pipeline.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved[id]
}

// callLog records the order in which actions ran.
type callLog struct {
	mu    sync.Mutex
	order []string
}

func (t *callLog) add(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order = append(t.order, name)
}

func (t *callLog) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.order...)
}

// writeOutputs is a runner that records its action and writes every declared
// output.
func writeOutputs(tr *callLog) RunnerFunc {
	return func(ctx context.Context, ac *ActionContext) error {
		for _, in := range ac.Action.Inputs {
			if _, err := ac.ReadInput(ctx, in); err != nil {
				return err
			}
		}
		tr.add(ac.Action.Name)
		for _, out := range ac.Action.Outputs {
			if _, err := ac.WriteOutputBytes(ctx, out, []byte(ac.Action.Name)); err != nil {
				return err
			}
		}
		return nil
	}
}

func newTestOrchestrator(t *testing.T, def pipeline.Definition, runners *Registry, rec ExecutionRecorder) *Orchestrator {
	t.Helper()
	ch, err := artifacts.NewDirChannel(t.TempDir())
	require.NoError(t, err)
	o, err := New(def, Config{Channel: ch, Runners: runners, Recorder: rec, Logger: testLogger()})
	require.NoError(t, err)
	return o
}

func allKinds(r Runner) *Registry {
	reg := NewRegistry()
	for _, k := range []pipeline.ActionKind{
		pipeline.KindSource, pipeline.KindSynth, pipeline.KindBuildPublish, pipeline.KindSelfMutate, pipeline.KindDeploy,
	} {
		reg.Register(k, r)
	}
	return reg
}

// =============================================================================
// Run Tests
// =============================================================================

func TestRun_StagesInOrder(t *testing.T) {
	tr := &callLog{}
	rec := newRecordingRecorder()
	o := newTestOrchestrator(t, samDefinition(), allKinds(writeOutputs(tr)), rec)

	exec, err := o.Run(context.Background(), pipeline.Trigger{CommitRef: "abc", Source: "cli"})
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusSucceeded, exec.Status)
	order := tr.list()
	require.Len(t, order, 5)
	assert.Equal(t, "Checkout", order[0])
	assert.ElementsMatch(t, []string{"Synthesize", "BuildPublish"}, order[1:3])
	assert.Equal(t, []string{"SelfMutate", "Deploy"}, order[3:])

	require.Len(t, exec.Stages, 4)
	for _, s := range exec.Stages {
		assert.Equal(t, pipeline.StatusSucceeded, s.Status, s.Stage)
	}
	assert.Equal(t, pipeline.StatusSucceeded, rec.get(exec.ID).Status)
	assert.Equal(t, "abc", rec.get(exec.ID).CommitRef)
}

func TestRun_ParallelGroupWaitsForSlowestSibling(t *testing.T) {
	def := pipeline.Definition{
		Name: "parallel",
		Stages: []pipeline.Stage{
			{Name: "Work", Actions: []pipeline.Action{
				{Name: "Fast", Kind: pipeline.KindBuildPublish, RunOrder: 1},
				{Name: "Slow", Kind: pipeline.KindSynth, RunOrder: 1},
			}},
			{Name: "After", Actions: []pipeline.Action{
				{Name: "Next", Kind: pipeline.KindDeploy},
			}},
		},
	}

	var slowDone, nextStarted atomic.Int64
	reg := NewRegistry()
	reg.Register(pipeline.KindBuildPublish, RunnerFunc(func(ctx context.Context, ac *ActionContext) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}))
	reg.Register(pipeline.KindSynth, RunnerFunc(func(ctx context.Context, ac *ActionContext) error {
		time.Sleep(150 * time.Millisecond)
		slowDone.Store(time.Now().UnixNano())
		return nil
	}))
	reg.Register(pipeline.KindDeploy, RunnerFunc(func(ctx context.Context, ac *ActionContext) error {
		nextStarted.Store(time.Now().UnixNano())
		return nil
	}))

	o := newTestOrchestrator(t, def, reg, nil)
	start := time.Now()
	exec, err := o.Run(context.Background(), pipeline.Trigger{})
	require.NoError(t, err)

	work := exec.Stages[0]
	require.NotNil(t, work.StartedAt)
	require.NotNil(t, work.FinishedAt)
	assert.GreaterOrEqual(t, work.FinishedAt.Sub(*work.StartedAt), 150*time.Millisecond)
	assert.Less(t, time.Since(start), 1500*time.Millisecond, "siblings must run concurrently")
	assert.GreaterOrEqual(t, nextStarted.Load(), slowDone.Load())
}

func TestRun_FailureHaltsPipelineWithoutCancellingSiblings(t *testing.T) {
	tr := &callLog{}
	boom := errors.New("docker build exited 1")

	reg := allKinds(writeOutputs(tr))
	var siblingFinished atomic.Bool
	reg.Register(pipeline.KindBuildPublish, RunnerFunc(func(ctx context.Context, ac *ActionContext) error {
		return pipeline.NewError(pipeline.ErrBuild, "docker build", boom)
	}))
	reg.Register(pipeline.KindSynth, RunnerFunc(func(ctx context.Context, ac *ActionContext) error {
		time.Sleep(50 * time.Millisecond)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		siblingFinished.Store(true)
		_, err := ac.WriteOutputBytes(ctx, "self", []byte("{}"))
		return err
	}))

	rec := newRecordingRecorder()
	o := newTestOrchestrator(t, samDefinition(), reg, rec)
	exec, err := o.Run(context.Background(), pipeline.Trigger{CommitRef: "abc"})
	require.Error(t, err)

	var stageErr *pipeline.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "Synth", stageErr.Stage)
	require.Len(t, stageErr.Failures, 1)
	assert.Equal(t, "BuildPublish", stageErr.Failures[0].Action)
	assert.ErrorIs(t, err, pipeline.ErrBuild)
	assert.ErrorIs(t, err, boom)

	assert.True(t, siblingFinished.Load())
	assert.Equal(t, pipeline.StatusFailed, exec.Status)
	assert.Len(t, exec.Stages, 2, "later stages must not start")
	assert.Equal(t, pipeline.StatusFailed, exec.Stages[1].Status)
	assert.Equal(t, pipeline.StatusSucceeded, exec.Stages[1].Action("Synthesize").Status)
	assert.Equal(t, pipeline.StatusFailed, exec.Stages[1].Action("BuildPublish").Status)
	assert.NotContains(t, tr.list(), "Deploy")
	assert.Equal(t, pipeline.StatusFailed, rec.get(exec.ID).Status)
}

func TestRun_UndeclaredArtifact(t *testing.T) {
	reg := allKinds(writeOutputs(&callLog{}))
	reg.Register(pipeline.KindDeploy, RunnerFunc(func(ctx context.Context, ac *ActionContext) error {
		_, err := ac.OpenInput(ctx, "self")
		return err
	}))

	o := newTestOrchestrator(t, samDefinition(), reg, nil)
	_, err := o.Run(context.Background(), pipeline.Trigger{})
	assert.ErrorIs(t, err, pipeline.ErrUndeclaredArtifact)
}

func TestRun_UndeclaredOutput(t *testing.T) {
	reg := allKinds(writeOutputs(&callLog{}))
	reg.Register(pipeline.KindSource, RunnerFunc(func(ctx context.Context, ac *ActionContext) error {
		_, err := ac.WriteOutputBytes(ctx, "image", []byte("x"))
		return err
	}))

	o := newTestOrchestrator(t, samDefinition(), reg, nil)
	_, err := o.Run(context.Background(), pipeline.Trigger{})
	assert.ErrorIs(t, err, pipeline.ErrUndeclaredArtifact)
}

func TestRun_UnknownRunner(t *testing.T) {
	reg := NewRegistry()
	reg.Register(pipeline.KindSource, writeOutputs(&callLog{}))

	o := newTestOrchestrator(t, samDefinition(), reg, nil)
	exec, err := o.Run(context.Background(), pipeline.Trigger{})
	assert.ErrorIs(t, err, pipeline.ErrUnknownAction)
	assert.Equal(t, pipeline.StatusFailed, exec.Status)
}

func TestRun_PanicFailsAction(t *testing.T) {
	reg := allKinds(writeOutputs(&callLog{}))
	reg.Register(pipeline.KindSource, RunnerFunc(func(ctx context.Context, ac *ActionContext) error {
		panic("unexpected")
	}))

	o := newTestOrchestrator(t, samDefinition(), reg, nil)
	exec, err := o.Run(context.Background(), pipeline.Trigger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, pipeline.StatusFailed, exec.Stages[0].Actions[0].Status)
}

func TestRun_CancelledBeforeStage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := &callLog{}

	reg := allKinds(writeOutputs(tr))
	reg.Register(pipeline.KindSource, RunnerFunc(func(c context.Context, ac *ActionContext) error {
		cancel()
		_, err := ac.WriteOutputBytes(context.Background(), "source", []byte("src"))
		return err
	}))

	o := newTestOrchestrator(t, samDefinition(), reg, nil)
	exec, err := o.Run(ctx, pipeline.Trigger{})
	assert.ErrorIs(t, err, pipeline.ErrAborted)
	assert.Equal(t, pipeline.StatusAborted, exec.Status)
	assert.Len(t, exec.Stages, 1)
	assert.Empty(t, tr.list())
}

// =============================================================================
// Self-Mutation Tests
// =============================================================================

func withExtraStage(def pipeline.Definition) pipeline.Definition {
	next := def.Clone()
	next.Stages = append(next.Stages, pipeline.Stage{Name: "Smoke", Actions: []pipeline.Action{
		{Name: "SmokeDeploy", Kind: pipeline.KindDeploy, Inputs: []string{"image"}},
	}})
	return next
}

func TestRun_SelfMutationResumesInNewDefinition(t *testing.T) {
	tr := &callLog{}
	reg := allKinds(writeOutputs(tr))
	reg.Register(pipeline.KindSelfMutate, RunnerFunc(func(ctx context.Context, ac *ActionContext) error {
		tr.add(ac.Action.Name)
		return ac.ApplyDefinition(withExtraStage(samDefinition()))
	}))

	rec := newRecordingRecorder()
	o := newTestOrchestrator(t, samDefinition(), reg, rec)
	exec, err := o.Run(context.Background(), pipeline.Trigger{})
	require.NoError(t, err)

	order := tr.list()
	assert.Equal(t, []string{"SelfMutate", "Deploy", "SmokeDeploy"}, order[3:])
	assert.Equal(t, 1, exec.Restarts)
	assert.Len(t, o.Definition().Stages, 5)

	hash, err := pipeline.Hash(withExtraStage(samDefinition()))
	require.NoError(t, err)
	assert.Equal(t, hash, exec.DefinitionHash)
}

func TestRun_NoMutationKeepsDefinition(t *testing.T) {
	tr := &callLog{}
	o := newTestOrchestrator(t, samDefinition(), allKinds(writeOutputs(tr)), nil)

	exec, err := o.Run(context.Background(), pipeline.Trigger{})
	require.NoError(t, err)
	assert.Equal(t, 0, exec.Restarts)
	assert.True(t, pipeline.Equal(samDefinition(), o.Definition()))
}

func TestRun_MutationStageRemovedFails(t *testing.T) {
	reg := allKinds(writeOutputs(&callLog{}))
	reg.Register(pipeline.KindSelfMutate, RunnerFunc(func(ctx context.Context, ac *ActionContext) error {
		next := samDefinition()
		next.Stages[2].Name = "Renamed"
		return ac.ApplyDefinition(next)
	}))

	o := newTestOrchestrator(t, samDefinition(), reg, nil)
	exec, err := o.Run(context.Background(), pipeline.Trigger{})
	assert.ErrorIs(t, err, pipeline.ErrSelfMutation)
	assert.Equal(t, pipeline.StatusFailed, exec.Status)
}

func TestRun_ProducerInsertedBeforeMutationFails(t *testing.T) {
	next := samDefinition()
	next.Stages = append(next.Stages[:2:2],
		pipeline.Stage{Name: "Package", Actions: []pipeline.Action{
			{Name: "Bundle", Kind: pipeline.KindBuildPublish, Inputs: []string{"source"}, Outputs: []string{"bundle"}},
		}},
		next.Stages[2], next.Stages[3])
	next.Stages[4].Actions[0].Inputs = []string{"image", "bundle"}
	require.NoError(t, next.Validate())

	tr := &callLog{}
	reg := allKinds(writeOutputs(tr))
	reg.Register(pipeline.KindSelfMutate, RunnerFunc(func(ctx context.Context, ac *ActionContext) error {
		return ac.ApplyDefinition(next)
	}))

	o := newTestOrchestrator(t, samDefinition(), reg, nil)
	exec, err := o.Run(context.Background(), pipeline.Trigger{})
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrSelfMutation)
	assert.Contains(t, err.Error(), "Package/Bundle")
	assert.Equal(t, pipeline.StatusFailed, exec.Status)
	assert.NotContains(t, tr.list(), "Deploy")

	// The next execution starts from the new definition and runs the producer.
	assert.True(t, pipeline.Equal(next, o.Definition()))
	exec, err = o.Run(context.Background(), pipeline.Trigger{})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSucceeded, exec.Status)
	assert.Contains(t, tr.list(), "Bundle")
}

func TestRun_ActionsSeeRunningDefinitionHash(t *testing.T) {
	next := withExtraStage(samDefinition())
	var mu sync.Mutex
	seen := map[string]string{}

	reg := allKinds(RunnerFunc(func(ctx context.Context, ac *ActionContext) error {
		mu.Lock()
		seen[ac.Action.Name] = ac.DefinitionHash
		mu.Unlock()
		return writeOutputs(&callLog{})(ctx, ac)
	}))
	reg.Register(pipeline.KindSelfMutate, RunnerFunc(func(ctx context.Context, ac *ActionContext) error {
		mu.Lock()
		seen[ac.Action.Name] = ac.DefinitionHash
		mu.Unlock()
		return ac.ApplyDefinition(next)
	}))

	o := newTestOrchestrator(t, samDefinition(), reg, nil)
	_, err := o.Run(context.Background(), pipeline.Trigger{})
	require.NoError(t, err)

	before, err := pipeline.Hash(samDefinition())
	require.NoError(t, err)
	after, err := pipeline.Hash(next)
	require.NoError(t, err)
	assert.Equal(t, before, seen["SelfMutate"])
	assert.Equal(t, after, seen["Deploy"])
	assert.Equal(t, after, seen["SmokeDeploy"])
}

func TestApplyDefinition_OnlyFromSelfMutate(t *testing.T) {
	ac := &ActionContext{Action: pipeline.Action{Name: "Deploy", Kind: pipeline.KindDeploy}}
	assert.ErrorIs(t, ac.ApplyDefinition(samDefinition()), pipeline.ErrSelfMutation)
}

// =============================================================================
// Definition Management Tests
// =============================================================================

func TestAddStage(t *testing.T) {
	o := newTestOrchestrator(t, samDefinition(), NewRegistry(), nil)

	err := o.AddStage("Smoke", pipeline.Action{Name: "SmokeDeploy", Kind: pipeline.KindDeploy, Inputs: []string{"image"}})
	require.NoError(t, err)
	assert.Len(t, o.Definition().Stages, 5)

	err = o.AddStage("Broken", pipeline.Action{Name: "Bad", Kind: pipeline.KindDeploy, Inputs: []string{"missing"}})
	assert.ErrorIs(t, err, pipeline.ErrInvalidDefinition)
	assert.Len(t, o.Definition().Stages, 5)
}

func TestNew_RejectsInvalidDefinition(t *testing.T) {
	ch, err := artifacts.NewDirChannel(t.TempDir())
	require.NoError(t, err)

	_, err = New(pipeline.Definition{Name: "empty"}, Config{Channel: ch, Runners: NewRegistry()})
	assert.ErrorIs(t, err, pipeline.ErrInvalidDefinition)

	_, err = New(samDefinition(), Config{Runners: NewRegistry()})
	assert.Error(t, err)
}

// =============================================================================
// Dispatcher Tests
// =============================================================================

func TestDispatcher_SerializesExecutions(t *testing.T) {
	var running, maxRunning atomic.Int32
	reg := allKinds(RunnerFunc(func(ctx context.Context, ac *ActionContext) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		for _, out := range ac.Action.Outputs {
			if _, err := ac.WriteOutputBytes(ctx, out, []byte("x")); err != nil {
				return err
			}
		}
		return nil
	}))

	def := pipeline.Definition{Name: "serial", Stages: []pipeline.Stage{
		{Name: "Source", Actions: []pipeline.Action{{Name: "Checkout", Kind: pipeline.KindSource, Outputs: []string{"source"}}}},
	}}
	rec := newRecordingRecorder()
	o := newTestOrchestrator(t, def, reg, rec)

	done := make(chan *pipeline.Execution, 3)
	d := NewDispatcher(o, rec, nil, DispatcherConfig{QueueSize: 4}, testLogger())
	d.OnFinish = func(exec *pipeline.Execution, err error) { done <- exec }
	d.Start()
	defer d.Stop()

	ctx := context.Background()
	var ids []string
	for _, ref := range []string{"a", "b", "c"} {
		id, err := d.Submit(ctx, pipeline.Trigger{CommitRef: ref, Source: "webhook"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var finished []string
	for range ids {
		select {
		case exec := <-done:
			assert.Equal(t, pipeline.StatusSucceeded, exec.Status)
			finished = append(finished, exec.ID)
		case <-time.After(5 * time.Second):
			t.Fatal("executions did not finish")
		}
	}
	assert.Equal(t, ids, finished, "executions run in submission order")
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestDispatcher_SubmitWhenStopped(t *testing.T) {
	o := newTestOrchestrator(t, samDefinition(), NewRegistry(), nil)
	d := NewDispatcher(o, nil, nil, DefaultDispatcherConfig(), testLogger())

	_, err := d.Submit(context.Background(), pipeline.Trigger{})
	assert.ErrorIs(t, err, ErrDispatcherStopped)
}
