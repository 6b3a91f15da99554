// Package image models container image references and the repository that
// holds them. The repository identity is stable; the tag is volatile.
package image

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidARN   = errors.New("invalid repository ARN")
	ErrInvalidImage = errors.New("invalid image reference")
	ErrNoTags       = errors.New("repository has no tagged images")
)

// RepositoryIdentity identifies an image repository. It is created once at
// bootstrap and never changes afterwards.
type RepositoryIdentity struct {
	ARN  string `json:"arn"`
	Name string `json:"name"`
	URI  string `json:"uri"`
}

// ImageReference binds a repository to one tag.
type ImageReference struct {
	Repository RepositoryIdentity `json:"repository"`
	Tag        string             `json:"tag"`
	Digest     string             `json:"digest,omitempty"`
}

// String returns "uri:tag", or "uri@digest" when no tag is set.
func (r ImageReference) String() string {
	if r.Tag == "" && r.Digest != "" {
		return r.Repository.URI + "@" + r.Digest
	}
	return r.Repository.URI + ":" + r.Tag
}

// =============================================================================
// ARN / URI Parsing
// =============================================================================

// ParsedARN holds the parts of an ECR repository ARN:
// arn:<partition>:ecr:<region>:<account>:repository/<name>
type ParsedARN struct {
	Partition string
	Region    string
	Account   string
	Name      string
}

// ParseRepositoryARN splits a repository ARN into its parts.
func ParseRepositoryARN(arn string) (ParsedARN, error) {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 || parts[0] != "arn" || parts[2] != "ecr" {
		return ParsedARN{}, fmt.Errorf("%w: %q", ErrInvalidARN, arn)
	}
	name, ok := strings.CutPrefix(parts[5], "repository/")
	if !ok || name == "" || parts[3] == "" || parts[4] == "" {
		return ParsedARN{}, fmt.Errorf("%w: %q", ErrInvalidARN, arn)
	}
	return ParsedARN{Partition: parts[1], Region: parts[3], Account: parts[4], Name: name}, nil
}

// RegistryHost returns the registry host name for an account and region.
func RegistryHost(account, region string) string {
	suffix := "amazonaws.com"
	if strings.HasPrefix(region, "cn-") {
		suffix = "amazonaws.com.cn"
	}
	return fmt.Sprintf("%s.dkr.ecr.%s.%s", account, region, suffix)
}

// RepositoryURIFromARN derives the pushable repository URI from its ARN.
func RepositoryURIFromARN(arn string) (string, error) {
	p, err := ParseRepositoryARN(arn)
	if err != nil {
		return "", err
	}
	return RegistryHost(p.Account, p.Region) + "/" + p.Name, nil
}

// NewRepositoryIdentity builds an identity from the ARN and name written at
// bootstrap, deriving the URI.
func NewRepositoryIdentity(arn, name string) (RepositoryIdentity, error) {
	p, err := ParseRepositoryARN(arn)
	if err != nil {
		return RepositoryIdentity{}, err
	}
	if name != "" && name != p.Name {
		return RepositoryIdentity{}, fmt.Errorf("%w: name %q does not match ARN %q", ErrInvalidARN, name, arn)
	}
	return RepositoryIdentity{
		ARN:  arn,
		Name: p.Name,
		URI:  RegistryHost(p.Account, p.Region) + "/" + p.Name,
	}, nil
}

// ParseImageURI splits "host/path:tag" or "host/path@sha256:..." into the
// repository URI and the tag or digest.
func ParseImageURI(uri string) (repo, tag, digest string, err error) {
	if uri == "" || strings.ContainsAny(uri, " \t\n") {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidImage, uri)
	}
	if at := strings.Index(uri, "@"); at >= 0 {
		repo, digest = uri[:at], uri[at+1:]
		if !strings.Contains(digest, ":") {
			return "", "", "", fmt.Errorf("%w: bad digest in %q", ErrInvalidImage, uri)
		}
		return repo, "", digest, nil
	}
	// A colon after the last slash separates the tag; one before it is a port.
	lastSlash := strings.LastIndex(uri, "/")
	if colon := strings.LastIndex(uri, ":"); colon > lastSlash {
		repo, tag = uri[:colon], uri[colon+1:]
		if tag == "" || repo == "" {
			return "", "", "", fmt.Errorf("%w: %q", ErrInvalidImage, uri)
		}
		return repo, tag, "", nil
	}
	return uri, "latest", "", nil
}

// =============================================================================
// Tags
// =============================================================================

// ShortID returns the first 12 hex characters of an image or digest ID.
func ShortID(id string) string {
	if _, hex, ok := strings.Cut(id, ":"); ok {
		id = hex
	}
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// ServiceTag returns the tag published for a service image: "<service>-<short id>".
func ServiceTag(service, imageID string) string {
	return fmt.Sprintf("%s-%s", strings.ToLower(service), ShortID(imageID))
}

// TagDetail describes one image in a repository.
type TagDetail struct {
	Tags     []string  `json:"tags"`
	Digest   string    `json:"digest"`
	PushedAt time.Time `json:"pushed_at"`
}

// LatestTag returns the first tag of the most recently pushed tagged image.
// Among images pushed at the same instant, the one listed last wins.
func LatestTag(details []TagDetail) (string, error) {
	tagged := make([]TagDetail, 0, len(details))
	for _, d := range details {
		if len(d.Tags) > 0 {
			tagged = append(tagged, d)
		}
	}
	if len(tagged) == 0 {
		return "", ErrNoTags
	}
	sort.SliceStable(tagged, func(i, j int) bool {
		return tagged[i].PushedAt.Before(tagged[j].PushedAt)
	})
	return tagged[len(tagged)-1].Tags[0], nil
}
