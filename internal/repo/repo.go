package repo

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

var ErrInvalidPath = errors.New("invalid repository path")

// Kind is the functional role of a bare repository.
type Kind string

const (
	KindTemplate             Kind = "template"
	KindSolution             Kind = "solution"
	KindTests                Kind = "tests"
	KindAuxiliary            Kind = "auxiliary"
	KindAssignment           Kind = "student-assignment"
	KindPractice             Kind = "practice"
	KindInstructorAssignment Kind = "instructor-assignment"
)

var kinds = map[Kind]struct{}{
	KindTemplate:             {},
	KindSolution:             {},
	KindTests:                {},
	KindAuxiliary:            {},
	KindAssignment:           {},
	KindPractice:             {},
	KindInstructorAssignment: {},
}

// KindFromString converts a string to a Kind and reports whether the kind is known.
func KindFromString(s string) (kind Kind, known bool) {
	kind = Kind(s)
	_, known = kinds[kind]
	return kind, known
}

// HasParticipant reports whether repositories of this kind belong to a participation
// with one or more owners.
func (k Kind) HasParticipant() bool {
	switch k {
	case KindAssignment, KindPractice, KindInstructorAssignment:
		return true
	default:
		return false
	}
}

const (
	suffixTemplate = "exercise"
	suffixSolution = "solution"
	suffixTests    = "tests"
	prefixPractice = "practice-"
)

var (
	projectKeyRegexp = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*$`)
	suffixRegexp     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]*$`)
)

// Identity identifies one bare repository.
// It is immutable once created and maps 1:1 to a directory on disk.
type Identity struct {
	ProjectKey string
	Slug       string
	Kind       Kind
	Owner      string // login or team short name, empty unless Kind.HasParticipant
}

// Parse parses a project key and a repository slug.
// Assignment is assumed for any suffix that isn't one of the fixed ones,
// use Refine once the exercise is known.
func Parse(projectKey, slug string) (Identity, error) {
	if !projectKeyRegexp.MatchString(projectKey) {
		return Identity{}, fmt.Errorf("%w: project key %q", ErrInvalidPath, projectKey)
	}
	prefix := strings.ToLower(projectKey) + "-"
	suffix, ok := strings.CutPrefix(slug, prefix)
	if !ok || !suffixRegexp.MatchString(suffix) || strings.Contains(suffix, "..") {
		return Identity{}, fmt.Errorf("%w: slug %q", ErrInvalidPath, slug)
	}

	id := Identity{ProjectKey: projectKey, Slug: slug}
	switch {
	case suffix == suffixTemplate:
		id.Kind = KindTemplate
	case suffix == suffixSolution:
		id.Kind = KindSolution
	case suffix == suffixTests:
		id.Kind = KindTests
	case strings.HasPrefix(suffix, prefixPractice) && len(suffix) > len(prefixPractice):
		id.Kind = KindPractice
		id.Owner = strings.TrimPrefix(suffix, prefixPractice)
	default:
		id.Kind = KindAssignment
		id.Owner = suffix
	}
	return id, nil
}

// ParsePath parses a repository path like "/git/PROG1/prog1-student1.git".
// A trailing smart HTTP service suffix is not accepted, strip it first.
func ParsePath(p string) (Identity, error) {
	p = path.Clean("/" + p)
	rest, ok := strings.CutPrefix(p, "/git/")
	if !ok {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	projectKey, slugWithExt, ok := strings.Cut(rest, "/")
	if !ok || strings.Contains(slugWithExt, "/") {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	slug, ok := strings.CutSuffix(slugWithExt, ".git")
	if !ok {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return Parse(projectKey, slug)
}

// Refine reclassifies an assignment identity once the exercise is known.
// A suffix that names an auxiliary repository of the exercise becomes KindAuxiliary.
// A test run owned by course staff becomes KindInstructorAssignment.
func (id Identity) Refine(auxiliaryNames []string, staffTestRun bool) Identity {
	if id.Kind != KindAssignment {
		return id
	}
	if slices.Contains(auxiliaryNames, id.Owner) {
		id.Kind = KindAuxiliary
		id.Owner = ""
		return id
	}
	if staffTestRun {
		id.Kind = KindInstructorAssignment
	}
	return id
}

// Slug returns the slug of the repository with suffix in project projectKey.
func Slug(projectKey, suffix string) string {
	return strings.ToLower(projectKey) + "-" + suffix
}

// Template returns the template repository of project projectKey.
func Template(projectKey string) Identity {
	return Identity{ProjectKey: projectKey, Slug: Slug(projectKey, suffixTemplate), Kind: KindTemplate}
}

// Solution returns the solution repository of project projectKey.
func Solution(projectKey string) Identity {
	return Identity{ProjectKey: projectKey, Slug: Slug(projectKey, suffixSolution), Kind: KindSolution}
}

// Tests returns the tests repository of project projectKey.
func Tests(projectKey string) Identity {
	return Identity{ProjectKey: projectKey, Slug: Slug(projectKey, suffixTests), Kind: KindTests}
}

// Auxiliary returns the auxiliary repository name of project projectKey.
func Auxiliary(projectKey, name string) Identity {
	return Identity{ProjectKey: projectKey, Slug: Slug(projectKey, name), Kind: KindAuxiliary}
}

// Suffix returns the part of the slug after the project key prefix.
func (id Identity) Suffix() string {
	return strings.TrimPrefix(id.Slug, strings.ToLower(id.ProjectKey)+"-")
}

// Path returns the repository path as seen by Git clients.
func (id Identity) Path() string {
	return "/git/" + id.ProjectKey + "/" + id.Slug + ".git"
}

// Dir returns the bare repository directory under base.
func (id Identity) Dir(base string) string {
	return filepath.Join(base, id.ProjectKey, id.Slug+".git")
}

func (id Identity) String() string {
	return id.ProjectKey + "/" + id.Slug
}
