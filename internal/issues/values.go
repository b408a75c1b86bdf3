package issues

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// PHIDKind names the entity family encoded in a PHID.
type PHIDKind string

const (
	// PHIDKindRepository identifies repositories (PHID-REPO-...).
	PHIDKindRepository PHIDKind = "REPO"
	// PHIDKindRevision identifies revisions (PHID-DREV-...).
	PHIDKindRevision PHIDKind = "DREV"
	// PHIDKindDiff identifies diffs (PHID-DIFF-...).
	PHIDKindDiff PHIDKind = "DIFF"
)

const (
	phidPrefix            = "PHID-"
	maxPHIDLength         = 64
	maxReviewTaskIDLength = 64
	maxSlugLength         = 64
	mercurialHashLength   = 40
)

var (
	// ErrInvalidPHID indicates that a PHID is empty, malformed or of the wrong kind.
	ErrInvalidPHID = errors.New("issues: invalid phid")
	// ErrInvalidReviewTaskID indicates that a review task identifier is empty or malformed.
	ErrInvalidReviewTaskID = errors.New("issues: invalid review task id")
	// ErrInvalidMercurialHash indicates that a mercurial hash is not a 40 character hex digest.
	ErrInvalidMercurialHash = errors.New("issues: invalid mercurial hash")
	// ErrInvalidSlug indicates that a repository slug is empty or malformed.
	ErrInvalidSlug = errors.New("issues: invalid repository slug")

	slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	hexPattern  = regexp.MustCompile(`^[0-9a-f]+$`)
)

// PHID is a validated opaque external identifier.
type PHID string

// NewPHID validates raw input as a PHID of any known kind.
func NewPHID(rawInput string) (PHID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPHID)
	}
	if len(trimmed) > maxPHIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPHID, maxPHIDLength)
	}
	if strings.ContainsAny(trimmed, " \t\r\n") {
		return "", fmt.Errorf("%w: contains whitespace", ErrInvalidPHID)
	}
	if !strings.HasPrefix(trimmed, phidPrefix) {
		return "", fmt.Errorf("%w: missing %s prefix", ErrInvalidPHID, phidPrefix)
	}
	kindAndRest := strings.SplitN(strings.TrimPrefix(trimmed, phidPrefix), "-", 2)
	if len(kindAndRest) != 2 || kindAndRest[0] == "" || kindAndRest[1] == "" {
		return "", fmt.Errorf("%w: expected PHID-<KIND>-<ID>", ErrInvalidPHID)
	}
	return PHID(trimmed), nil
}

// NewPHIDOfKind validates raw input and requires the given kind segment.
func NewPHIDOfKind(rawInput string, kind PHIDKind) (PHID, error) {
	phid, err := NewPHID(rawInput)
	if err != nil {
		return "", err
	}
	if phid.Kind() != kind {
		return "", fmt.Errorf("%w: expected kind %s, got %s", ErrInvalidPHID, kind, phid.Kind())
	}
	return phid, nil
}

// Kind returns the entity family segment.
func (id PHID) Kind() PHIDKind {
	parts := strings.SplitN(strings.TrimPrefix(string(id), phidPrefix), "-", 2)
	return PHIDKind(parts[0])
}

// String returns the underlying string identifier.
func (id PHID) String() string {
	return string(id)
}

// ReviewTaskID correlates an analysis task with the diff it analyzes.
type ReviewTaskID string

// NewReviewTaskID validates raw input and returns a ReviewTaskID.
func NewReviewTaskID(rawInput string) (ReviewTaskID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidReviewTaskID)
	}
	if len(trimmed) > maxReviewTaskIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidReviewTaskID, maxReviewTaskIDLength)
	}
	if strings.ContainsAny(trimmed, " \t\r\n/") {
		return "", fmt.Errorf("%w: contains whitespace or slash", ErrInvalidReviewTaskID)
	}
	return ReviewTaskID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ReviewTaskID) String() string {
	return string(id)
}

// MercurialHash is a lowercase hex SHA-1 digest of patch content. The zero value means absent.
type MercurialHash string

// NewMercurialHash normalizes and validates raw input. Empty input yields the zero value.
func NewMercurialHash(rawInput string) (MercurialHash, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawInput))
	if normalized == "" {
		return "", nil
	}
	if len(normalized) != mercurialHashLength {
		return "", fmt.Errorf("%w: expected %d characters, got %d", ErrInvalidMercurialHash, mercurialHashLength, len(normalized))
	}
	if !hexPattern.MatchString(normalized) {
		return "", fmt.Errorf("%w: not hexadecimal", ErrInvalidMercurialHash)
	}
	return MercurialHash(normalized), nil
}

// String returns the underlying digest.
func (hash MercurialHash) String() string {
	return string(hash)
}

// RepositorySlug is the human readable unique repository name.
type RepositorySlug string

// NewRepositorySlug validates raw input and returns a RepositorySlug.
func NewRepositorySlug(rawInput string) (RepositorySlug, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSlug)
	}
	if len(trimmed) > maxSlugLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSlug, maxSlugLength)
	}
	if !slugPattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSlug, trimmed)
	}
	return RepositorySlug(trimmed), nil
}

// String returns the underlying slug.
func (slug RepositorySlug) String() string {
	return string(slug)
}
