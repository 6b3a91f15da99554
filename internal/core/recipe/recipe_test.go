package recipe

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konpol/sampipe/internal/core/image"
)

func TestValidate_Order(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
		err   error
	}{
		{"default", DefaultSteps(), nil},
		{"build only", []Step{StepBuild}, nil},
		{"login after build", []Step{StepBuild, StepLogin, StepPush}, nil},
		{"push before build", []Step{StepLogin, StepPush, StepBuild}, ErrStepOrder},
		{"push without login", []Step{StepBuild, StepPush}, ErrStepOrder},
		{"record without resolve", []Step{StepLogin, StepBuild, StepPush, StepRecordTag}, ErrStepOrder},
		{"resolve before push", []Step{StepLogin, StepBuild, StepResolveTag, StepPush}, ErrStepOrder},
		{"repeated", []Step{StepBuild, StepBuild}, ErrInvalidRecipe},
		{"unknown", []Step{"deploy"}, ErrInvalidRecipe},
		{"empty", nil, ErrInvalidRecipe},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.steps)
			if tt.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestParseSteps(t *testing.T) {
	steps, err := ParseSteps([]string{"login", " build "})
	require.NoError(t, err)
	assert.Equal(t, []Step{StepLogin, StepBuild}, steps)

	_, err = ParseSteps([]string{"sam package"})
	assert.ErrorIs(t, err, ErrInvalidRecipe)
}

func TestRender_Golden(t *testing.T) {
	tests := []struct {
		name   string
		recipe Recipe
	}{
		{
			name: "publish_push",
			recipe: Recipe{
				Region:     "eu-central-1",
				Repository: image.RepositoryIdentity{Name: "sam-app"},
				WorkDir:    "lib/sam-app",
				Context:    "hello-world",
				Service:    "HelloWorld",
				LatestKey:  "/sam/ecr/latest",
				TagSource:  TagSourcePush,
			},
		},
		{
			name: "publish_registry",
			recipe: Recipe{
				Region:  "eu-central-1",
				Account: "123456789012",
				Repository: image.RepositoryIdentity{
					ARN:  "arn:aws:ecr:eu-central-1:123456789012:repository/sam-app",
					Name: "sam-app",
					URI:  "123456789012.dkr.ecr.eu-central-1.amazonaws.com/sam-app",
				},
				Dockerfile: "Dockerfile.lambda",
				Service:    "hello",
				LatestKey:  "/sam/ecr/latest",
				TagSource:  TagSourceRegistry,
			},
		},
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script, err := Render(tt.recipe)
			require.NoError(t, err)
			g.Assert(t, tt.name, []byte(script))
		})
	}
}

func TestRender_Invalid(t *testing.T) {
	base := Recipe{
		Region:     "eu-central-1",
		Repository: image.RepositoryIdentity{Name: "sam-app"},
		Service:    "hello",
		LatestKey:  "/sam/ecr/latest",
	}

	r := base
	r.Region = ""
	_, err := Render(r)
	assert.ErrorIs(t, err, ErrInvalidRecipe)

	r = base
	r.LatestKey = "latest"
	_, err = Render(r)
	assert.ErrorIs(t, err, ErrInvalidRecipe)

	r = base
	r.TagSource = "guess"
	_, err = Render(r)
	assert.ErrorIs(t, err, ErrInvalidRecipe)

	r = base
	r.Steps = []Step{StepPush}
	_, err = Render(r)
	assert.ErrorIs(t, err, ErrStepOrder)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "lib/app", shellQuote("lib/app"))
	assert.Equal(t, "'my dir'", shellQuote("my dir"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "''", shellQuote(""))
}

func TestDefaultPolicies(t *testing.T) {
	policies := DefaultPolicies("arn:aws:ecr:eu-central-1:1:repository/sam-app", "/sam/ecr/")

	require.Len(t, policies, 3)
	assert.Equal(t, []string{"ecr:GetAuthorizationToken"}, policies[0].Actions)
	assert.Equal(t, []string{"*"}, policies[0].Resources)
	assert.Equal(t, []string{"ecr:*"}, policies[1].Actions)
	assert.Equal(t, []string{"arn:aws:ecr:eu-central-1:1:repository/sam-app"}, policies[1].Resources)
	assert.Equal(t, []string{"ssm:PutParameter"}, policies[2].Actions)
	assert.Equal(t, []string{"arn:aws:ssm:*:*:parameter/sam/ecr/*"}, policies[2].Resources)
}
