package buildspec

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// DefaultDockerfile is used when a build section names no dockerfile.
const DefaultDockerfile = "Dockerfile"

// =============================================================================
// Types
// =============================================================================

// Spec is the parsed build spec, services sorted by name.
type Spec struct {
	Services []Service `json:"services"`
}

// Service is one image the build spec can produce.
type Service struct {
	Name        string            `json:"name"`
	Image       string            `json:"image,omitempty"`
	Build       *Build            `json:"build,omitempty"`
	Ports       []uint32          `json:"ports,omitempty"` // container ports
	Environment map[string]string `json:"environment,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
}

// Build is the docker build configuration of a service.
type Build struct {
	Context    string            `json:"context"`
	Dockerfile string            `json:"dockerfile"`
	Args       map[string]string `json:"args,omitempty"`
	Target     string            `json:"target,omitempty"`
	Platform   string            `json:"platform,omitempty"`
}

// =============================================================================
// Parsing
// =============================================================================

// Parse parses compose YAML. env supplies values for ${VAR} interpolation.
func Parse(yamlContent string, env map[string]string) (*Spec, error) {
	if strings.TrimSpace(yamlContent) == "" {
		return nil, ErrEmptyInput
	}

	project, err := load(yamlContent, env)
	if err != nil {
		return nil, err
	}
	if len(project.Secrets) > 0 {
		return nil, NewParseError("secrets", "secrets are not supported", ErrUnsupportedFeature)
	}
	if len(project.Services) == 0 {
		return nil, ErrNoServices
	}

	spec := &Spec{Services: make([]Service, 0, len(project.Services))}
	for _, svc := range project.Services {
		converted, err := convertService(svc)
		if err != nil {
			return nil, err
		}
		spec.Services = append(spec.Services, converted)
	}
	sort.Slice(spec.Services, func(i, j int) bool {
		return spec.Services[i].Name < spec.Services[j].Name
	})
	return spec, nil
}

func load(yamlContent string, env map[string]string) (*types.Project, error) {
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(yamlContent), &dict); err != nil || dict == nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{{Content: []byte(yamlContent), Config: dict}},
		Environment: types.Mapping(env),
	}, func(opts *loader.Options) {
		opts.SetProjectName("sampipe-build", false)
		opts.SkipNormalization = true
		opts.ResolvePaths = false
		opts.SkipExtends = true
	})
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "dependency cycle detected") {
			return nil, NewParseError("", "circular dependency detected", ErrCircularDependency)
		}
		if strings.Contains(msg, "empty compose file") {
			return nil, ErrNoServices
		}
		return nil, NewParseError("", msg, ErrInvalidYAML)
	}
	return project, nil
}

func convertService(svc types.ServiceConfig) (Service, error) {
	out := Service{
		Name:  svc.Name,
		Image: svc.Image,
	}

	if svc.Build != nil {
		b := &Build{
			Context:    cleanContext(svc.Build.Context),
			Dockerfile: svc.Build.Dockerfile,
			Target:     svc.Build.Target,
			Platform:   svc.Platform,
		}
		if b.Dockerfile == "" {
			b.Dockerfile = DefaultDockerfile
		}
		if b.Platform == "" && len(svc.Build.Platforms) > 0 {
			b.Platform = svc.Build.Platforms[0]
		}
		if len(svc.Build.Args) > 0 {
			b.Args = make(map[string]string, len(svc.Build.Args))
			for k, v := range svc.Build.Args {
				if v != nil {
					b.Args[k] = *v
				}
			}
		}
		out.Build = b
	}

	for i, p := range svc.Ports {
		if p.Target == 0 || p.Target > 65535 {
			return Service{}, NewParseError(fmt.Sprintf("services.%s.ports[%d]", svc.Name, i),
				"target port must be between 1 and 65535", ErrInvalidPort)
		}
		out.Ports = append(out.Ports, p.Target)
	}

	if len(svc.Environment) > 0 {
		out.Environment = make(map[string]string, len(svc.Environment))
		for k, v := range svc.Environment {
			if v != nil {
				out.Environment[k] = *v
			}
		}
	}
	if len(svc.Labels) > 0 {
		out.Labels = make(map[string]string, len(svc.Labels))
		for k, v := range svc.Labels {
			out.Labels[k] = v
		}
	}
	for dep := range svc.DependsOn {
		out.DependsOn = append(out.DependsOn, dep)
	}
	sort.Strings(out.DependsOn)

	return out, nil
}

func cleanContext(ctx string) string {
	if ctx == "" {
		return "."
	}
	return path.Clean(ctx)
}

// =============================================================================
// Selection
// =============================================================================

// Service returns the named service.
func (s *Spec) Service(name string) (Service, error) {
	for _, svc := range s.Services {
		if svc.Name == name {
			return svc, nil
		}
	}
	return Service{}, NewParseError("services."+name, "no such service", ErrServiceNotFound)
}

// Buildable returns the services that have a build section.
func (s *Spec) Buildable() []Service {
	var out []Service
	for _, svc := range s.Services {
		if svc.Build != nil {
			out = append(out, svc)
		}
	}
	return out
}

// Select returns the service to publish. An empty name selects the only
// buildable service.
func (s *Spec) Select(name string) (Service, error) {
	if name != "" {
		svc, err := s.Service(name)
		if err != nil {
			return Service{}, err
		}
		if svc.Build == nil {
			return Service{}, NewParseError("services."+name, "service has no build section", ErrNoBuild)
		}
		return svc, nil
	}

	buildable := s.Buildable()
	switch len(buildable) {
	case 0:
		return Service{}, ErrNoBuild
	case 1:
		return buildable[0], nil
	default:
		names := make([]string, 0, len(buildable))
		for _, svc := range buildable {
			names = append(names, svc.Name)
		}
		return Service{}, NewParseError("services", "choose one of "+strings.Join(names, ", "), ErrAmbiguousService)
	}
}

// ContextPath joins the service build context to the directory holding the
// build spec, keeping the result inside root.
func (b Build) ContextPath(specDir string) (string, error) {
	joined := path.Join(specDir, b.Context)
	if path.IsAbs(b.Context) || joined == ".." || strings.HasPrefix(joined, "../") {
		return "", NewParseError("build.context", "context escapes the source tree", ErrUnsupportedFeature)
	}
	return joined, nil
}

// =============================================================================
// Variables
// =============================================================================

// variablePlaceholderRegex matches ${VAR_NAME} or ${VAR_NAME:-default}
var variablePlaceholderRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:?-[^}]*)?\}`)

// ExtractVariables returns the unique placeholder names in raw YAML, in
// order of first appearance.
func ExtractVariables(yamlContent string) []string {
	seen := make(map[string]bool)
	var vars []string
	for _, match := range variablePlaceholderRegex.FindAllStringSubmatch(yamlContent, -1) {
		if !seen[match[1]] {
			seen[match[1]] = true
			vars = append(vars, match[1])
		}
	}
	return vars
}

// MissingVariables returns placeholders that have no default and no value in env.
func MissingVariables(yamlContent string, env map[string]string) []string {
	seen := make(map[string]bool)
	var missing []string
	for _, match := range variablePlaceholderRegex.FindAllStringSubmatch(yamlContent, -1) {
		name, hasDefault := match[1], match[2] != ""
		if hasDefault || seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := env[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
