// Package recipe describes the build-and-publish procedure as an ordered list
// of steps, validates the ordering, and renders it as an auditable shell
// script together with the least-privilege policies it needs.
//
// The publish action in internal/shell/actions executes the same steps
// through the Docker and registry APIs; the rendered script is what an
// operator would run by hand to reproduce a publish.
package recipe

import (
	"errors"
	"fmt"
	"strings"

	"github.com/konpol/sampipe/internal/core/image"
	"github.com/konpol/sampipe/internal/core/params"
	"github.com/konpol/sampipe/internal/core/pipeline"
)

var (
	ErrInvalidRecipe = errors.New("invalid build recipe")
	ErrStepOrder     = errors.New("recipe steps out of order")
)

// =============================================================================
// Steps
// =============================================================================

type Step string

const (
	StepLogin      Step = "login"
	StepBuild      Step = "build"
	StepPush       Step = "push"
	StepResolveTag Step = "resolve_tag"
	StepRecordTag  Step = "record_tag"
)

// DefaultSteps is the full publish procedure.
func DefaultSteps() []Step {
	return []Step{StepLogin, StepBuild, StepPush, StepResolveTag, StepRecordTag}
}

// prerequisites lists the steps that must appear earlier than the key step.
var prerequisites = map[Step][]Step{
	StepLogin:      nil,
	StepBuild:      nil,
	StepPush:       {StepLogin, StepBuild},
	StepResolveTag: {StepPush},
	StepRecordTag:  {StepResolveTag},
}

// ParseSteps converts names to steps, rejecting unknown names.
func ParseSteps(names []string) ([]Step, error) {
	steps := make([]Step, 0, len(names))
	for _, n := range names {
		s := Step(strings.TrimSpace(n))
		if _, ok := prerequisites[s]; !ok {
			return nil, fmt.Errorf("%w: unknown step %q", ErrInvalidRecipe, n)
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// Validate checks that each step appears at most once and after its
// prerequisites.
func Validate(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidRecipe)
	}
	position := make(map[Step]int, len(steps))
	for i, s := range steps {
		if _, ok := prerequisites[s]; !ok {
			return fmt.Errorf("%w: unknown step %q", ErrInvalidRecipe, s)
		}
		if _, dup := position[s]; dup {
			return fmt.Errorf("%w: step %s repeated", ErrInvalidRecipe, s)
		}
		position[s] = i
	}
	for _, s := range steps {
		for _, pre := range prerequisites[s] {
			at, ok := position[pre]
			if !ok || at > position[s] {
				return fmt.Errorf("%w: %s must run before %s", ErrStepOrder, pre, s)
			}
		}
	}
	return nil
}

// =============================================================================
// Recipe
// =============================================================================

// TagSource selects where the published tag is resolved from.
type TagSource string

const (
	// TagSourcePush uses the tag the push step produced.
	TagSourcePush TagSource = "push"
	// TagSourceRegistry asks the registry for the most recently pushed tag.
	TagSourceRegistry TagSource = "registry"
)

// Recipe is everything needed to publish one service image.
type Recipe struct {
	Region     string
	Account    string // resolved at run time when empty
	Repository image.RepositoryIdentity
	WorkDir    string // directory the build runs from, relative to the source root
	BuildFile  string // build spec file naming the service
	Context    string // build context relative to WorkDir
	Dockerfile string
	Service    string
	LatestKey  string
	TagSource  TagSource
	Steps      []Step
}

// Validate checks the fields the rendered script depends on.
func (r Recipe) Validate() error {
	if r.Region == "" {
		return fmt.Errorf("%w: region is required", ErrInvalidRecipe)
	}
	if r.Repository.Name == "" {
		return fmt.Errorf("%w: repository name is required", ErrInvalidRecipe)
	}
	if r.Service == "" {
		return fmt.Errorf("%w: service is required", ErrInvalidRecipe)
	}
	switch r.TagSource {
	case TagSourcePush, TagSourceRegistry, "":
	default:
		return fmt.Errorf("%w: unknown tag source %q", ErrInvalidRecipe, r.TagSource)
	}
	if err := params.ValidateKey(r.LatestKey); err != nil {
		return fmt.Errorf("%w: latest key: %v", ErrInvalidRecipe, err)
	}
	return Validate(r.steps())
}

func (r Recipe) steps() []Step {
	if len(r.Steps) == 0 {
		return DefaultSteps()
	}
	return r.Steps
}

func (r Recipe) registryHost() string {
	if r.Account == "" {
		return image.RegistryHost("$ACCOUNT", r.Region)
	}
	return image.RegistryHost(r.Account, r.Region)
}

func (r Recipe) repositoryURI() string {
	if r.Repository.URI != "" {
		return r.Repository.URI
	}
	return r.registryHost() + "/" + r.Repository.Name
}

func (r Recipe) localImage() string {
	return "sampipe/" + strings.ToLower(r.Service) + ":build"
}

// =============================================================================
// Rendering
// =============================================================================

// Render produces the shell script equivalent of the recipe.
func Render(r Recipe) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}

	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line("#!/bin/sh")
	line("set -eu")
	if r.WorkDir != "" && r.WorkDir != "." {
		line("cd %s", shellQuote(r.WorkDir))
	}
	if r.Account == "" {
		line("ACCOUNT=$(aws sts get-caller-identity --query Account --output text)")
	}

	for _, step := range r.steps() {
		line("")
		line("# %s", step)
		switch step {
		case StepLogin:
			line("aws ecr get-login-password --region %s | docker login --username AWS --password-stdin \"%s\"",
				r.Region, r.registryHost())
		case StepBuild:
			context := r.Context
			if context == "" {
				context = "."
			}
			if r.Dockerfile != "" {
				line("docker build --tag %s --file %s %s", r.localImage(), shellQuote(r.Dockerfile), shellQuote(context))
			} else {
				line("docker build --tag %s %s", r.localImage(), shellQuote(context))
			}
			line("IMAGE_ID=$(docker image inspect --format '{{.Id}}' %s)", r.localImage())
			line("TAG=\"%s-$(echo \"$IMAGE_ID\" | cut -d: -f2 | cut -c1-12)\"", strings.ToLower(r.Service))
		case StepPush:
			line("docker tag %s \"%s:$TAG\"", r.localImage(), r.repositoryURI())
			line("docker push \"%s:$TAG\"", r.repositoryURI())
		case StepResolveTag:
			if r.TagSource == TagSourceRegistry {
				line("LATEST_IMAGE=$(aws ecr describe-images --repository-name %s --query \"sort_by(imageDetails,& imagePushedAt)[-1].imageTags[0]\" --output text)",
					r.Repository.Name)
			} else {
				line("LATEST_IMAGE=\"$TAG\"")
			}
		case StepRecordTag:
			line("aws ssm put-parameter --name %s --value \"$LATEST_IMAGE\" --type String --overwrite", r.LatestKey)
		}
	}
	return b.String(), nil
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"$`\\;&|<>*?()[]{}#~!") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// =============================================================================
// Policies
// =============================================================================

// DefaultPolicies returns the statements the publish action needs. Repository
// access is limited to repositoryARN and parameter writes to paramPrefix.
func DefaultPolicies(repositoryARN, paramPrefix string) []pipeline.PolicyStatement {
	return []pipeline.PolicyStatement{
		{Actions: []string{"ecr:GetAuthorizationToken"}, Resources: []string{"*"}},
		{Actions: []string{"ecr:*"}, Resources: []string{repositoryARN}},
		{Actions: []string{"ssm:PutParameter"}, Resources: []string{params.ResourcePattern(paramPrefix)}},
	}
}
