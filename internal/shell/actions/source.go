package actions

import (
	"context"
	"errors"
	"io"

	"github.com/konpol/sampipe/internal/core/pipeline"
	"github.com/konpol/sampipe/internal/shell/orchestrator"
	"github.com/konpol/sampipe/internal/shell/source"
)

// SourceRunner archives the source at the triggering commit into the
// action's output artifact.
type SourceRunner struct {
	fetcher source.Fetcher
}

func NewSourceRunner(fetcher source.Fetcher) *SourceRunner {
	return &SourceRunner{fetcher: fetcher}
}

func (r *SourceRunner) Run(ctx context.Context, ac *orchestrator.ActionContext) error {
	out := primaryOutput(ac.Action)
	if out == "" {
		return pipeline.NewError(pipeline.ErrSourceFetch, "source", errors.New("action declares no output"))
	}

	pr, pw := io.Pipe()
	revc := make(chan string, 1)
	go func() {
		rev, err := r.fetcher.Fetch(ctx, ac.CommitRef, pw)
		revc <- rev
		pw.CloseWithError(err)
	}()

	ref, err := ac.WriteOutput(ctx, out, pr)
	pr.CloseWithError(err)
	rev := <-revc
	if err != nil {
		if errors.Is(err, pipeline.ErrUndeclaredArtifact) {
			return err
		}
		return pipeline.NewError(pipeline.ErrSourceFetch, "fetch "+ac.CommitRef, err)
	}

	ac.Logger.Info("source archived", "revision", rev, "artifact", out, "size", ref.Size, "sha256", ref.SHA256)
	return nil
}
