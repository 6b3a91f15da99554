package synth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konpol/sampipe/internal/core/pipeline"
)

const samPipeline = `
variable "region" {
  default = "eu-central-1"
}

variable "service" {
  default = "app"
}

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
      outputs = ["definition"]
    }
  }

  stage "UpdatePipeline" {
    action "SelfMutate" {
      kind   = "self_mutate"
      inputs = ["definition"]
    }
  }

  stage "LambdaStage" {
    action "BuildPublish" {
      kind      = "build_publish"
      run_order = 1
      inputs    = ["source"]
      outputs   = ["image"]

      environment {
        build_image = "aws/codebuild/standard:7.0"
        privileged  = true
      }

      policy {
        actions   = ["ecr:GetAuthorizationToken"]
        resources = ["*"]
      }

      config = {
        region  = var.region
        service = var.service
      }
    }

    action "Deploy" {
      kind      = "deploy"
      run_order = 2
      inputs    = ["image"]
      outputs   = ["deployment"]
    }
  }
}
`

func TestSynthesize_FullPipeline(t *testing.T) {
	def, err := Synthesize([]byte(samPipeline), DefaultFile, Options{})
	require.NoError(t, err)

	assert.Equal(t, "sam-pipeline", def.Name)
	require.Len(t, def.Stages, 4)
	assert.Equal(t, "UpdatePipeline", def.Stages[2].Name)

	stage, build, ok := def.FindAction("BuildPublish")
	require.True(t, ok)
	assert.Equal(t, "LambdaStage", stage.Name)
	assert.Equal(t, pipeline.KindBuildPublish, build.Kind)
	assert.Equal(t, 1, build.RunOrder)
	assert.True(t, build.Environment.Privileged)
	assert.Equal(t, "aws/codebuild/standard:7.0", build.Environment.BuildImage)
	assert.Equal(t, "eu-central-1", build.Config["region"])
	require.Len(t, build.Policies, 1)
	assert.Equal(t, []string{"*"}, build.Policies[0].Resources)
}

func TestSynthesize_VariableOverride(t *testing.T) {
	def, err := Synthesize([]byte(samPipeline), DefaultFile, Options{
		Vars: map[string]string{"region": "us-east-1"},
	})
	require.NoError(t, err)

	_, build, ok := def.FindAction("BuildPublish")
	require.True(t, ok)
	assert.Equal(t, "us-east-1", build.Config["region"])
	assert.Equal(t, "app", build.Config["service"])
}

func TestSynthesize_Deterministic(t *testing.T) {
	first, err := Synthesize([]byte(samPipeline), DefaultFile, Options{})
	require.NoError(t, err)
	second, err := Synthesize([]byte(samPipeline), DefaultFile, Options{})
	require.NoError(t, err)

	h1, err := pipeline.Hash(first)
	require.NoError(t, err)
	h2, err := pipeline.Hash(second)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestSynthesize_MissingVariable(t *testing.T) {
	src := `
variable "region" {}

pipeline "p" {
  stage "Source" {
    action "Checkout" {
      kind    = "source"
      outputs = ["source"]
      config  = { region = var.region }
    }
  }
}
`
	_, err := Synthesize([]byte(src), DefaultFile, Options{})
	assert.ErrorIs(t, err, ErrMissingVariable)

	def, err := Synthesize([]byte(src), DefaultFile, Options{Vars: map[string]string{"region": "eu-west-1"}})
	require.NoError(t, err)
	_, checkout, _ := def.FindAction("Checkout")
	assert.Equal(t, "eu-west-1", checkout.Config["region"])
}

func TestSynthesize_InvalidDefinition(t *testing.T) {
	src := `
pipeline "p" {
  stage "Build" {
    action "Build" {
      kind   = "build_publish"
      inputs = ["source"]
    }
  }
}
`
	_, err := Synthesize([]byte(src), DefaultFile, Options{})
	assert.ErrorIs(t, err, pipeline.ErrInvalidDefinition)
}

func TestSynthesize_SyntaxError(t *testing.T) {
	_, err := Synthesize([]byte(`pipeline "p" {`), DefaultFile, Options{})
	assert.Error(t, err)
}

func TestSynthesize_PipelineSelection(t *testing.T) {
	src := `
pipeline "a" {
  stage "Source" {
    action "Checkout" {
      kind    = "source"
      outputs = ["source"]
    }
  }
}

pipeline "b" {
  stage "Source" {
    action "Checkout" {
      kind    = "source"
      outputs = ["source"]
    }
  }
}
`
	_, err := Synthesize([]byte(src), DefaultFile, Options{})
	assert.ErrorIs(t, err, ErrPipelineNotFound)

	def, err := Synthesize([]byte(src), DefaultFile, Options{Pipeline: "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", def.Name)

	_, err = Synthesize([]byte(src), DefaultFile, Options{Pipeline: "c"})
	assert.ErrorIs(t, err, ErrPipelineNotFound)

	_, err = Synthesize([]byte(`variable "x" { default = "y" }`), DefaultFile, Options{})
	assert.ErrorIs(t, err, ErrNoPipeline)
}

func TestSynthesizeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte(samPipeline), 0o644))

	def, err := SynthesizeFile(path, Options{})
	require.NoError(t, err)
	assert.Equal(t, "sam-pipeline", def.Name)

	_, err = SynthesizeFile(filepath.Join(dir, "missing.hcl"), Options{})
	assert.Error(t, err)
}
