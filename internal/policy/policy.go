package policy

import (
	"fmt"
	"strings"

	"mediagate/internal/models"
)

// ViolationKind identifies which admission rule a request broke.
type ViolationKind string

const (
	ViolationUnsupportedType ViolationKind = "unsupported-type"
	ViolationOversized       ViolationKind = "oversized"
	ViolationUnknownKind     ViolationKind = "unknown-kind"
)

// Violation is returned when a request fails the static admission check.
type Violation struct {
	Kind    ViolationKind
	Message string
}

func (v *Violation) Error() string {
	return v.Message
}

// Rule is the static admission policy for one asset kind.
type Rule struct {
	ContentTypes []string
	MaxSizeBytes int64
	KeyPrefix    string
}

// Table maps asset kinds to their admission rules.
type Table map[models.AssetKind]Rule

// DefaultTable returns the built-in per-kind policy.
func DefaultTable() Table {
	return Table{
		models.KindVideo: {
			ContentTypes: []string{"video/mp4", "video/quicktime", "video/*"},
			MaxSizeBytes: 512 << 20,
			KeyPrefix:    "videos",
		},
		models.KindThumbnail: {
			ContentTypes: []string{"image/jpeg", "image/png", "image/webp"},
			MaxSizeBytes: 10 << 20,
			KeyPrefix:    "thumbnails",
		},
		models.KindBanner: {
			ContentTypes: []string{"image/jpeg", "image/png", "image/webp"},
			MaxSizeBytes: 15 << 20,
			KeyPrefix:    "banners",
		},
	}
}

// Check validates the declared content type and size against the rule
// for the requested kind. It has no side effects and must run before
// any quota is claimed so a doomed request never consumes quota.
func (t Table) Check(kind models.AssetKind, contentType string, sizeBytes int64) (Rule, error) {
	rule, ok := t[kind]
	if !ok {
		return Rule{}, &Violation{
			Kind:    ViolationUnknownKind,
			Message: fmt.Sprintf("unknown asset kind %q", kind),
		}
	}
	if !rule.AllowsContentType(contentType) {
		return Rule{}, &Violation{
			Kind:    ViolationUnsupportedType,
			Message: fmt.Sprintf("content type %q is not allowed for %s uploads", contentType, kind),
		}
	}
	if sizeBytes <= 0 {
		return Rule{}, &Violation{
			Kind:    ViolationOversized,
			Message: "declared size must be positive",
		}
	}
	if sizeBytes > rule.MaxSizeBytes {
		return Rule{}, &Violation{
			Kind:    ViolationOversized,
			Message: fmt.Sprintf("declared size %d exceeds the %d byte limit for %s uploads", sizeBytes, rule.MaxSizeBytes, kind),
		}
	}
	return rule, nil
}

// AllowsContentType reports whether the declared content type matches
// any allowed pattern. Patterns are exact matches or a "type/*" prefix.
func (r Rule) AllowsContentType(contentType string) bool {
	normalized := strings.ToLower(strings.TrimSpace(contentType))
	if normalized == "" {
		return false
	}
	if idx := strings.Index(normalized, ";"); idx >= 0 {
		normalized = strings.TrimSpace(normalized[:idx])
	}
	for _, pattern := range r.ContentTypes {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == normalized {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
			if strings.HasPrefix(normalized, prefix+"/") {
				return true
			}
		}
	}
	return false
}
