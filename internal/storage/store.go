package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// ArtifactStore is a bucket-namespaced object store holding generated site
// artifacts and fragment documents.
type ArtifactStore interface {
	Upload(ctx context.Context, key string, body io.Reader) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	DeleteObject(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Bucket() string
	PublicURL(key string) string
}

// BuildPrefix is the deterministic artifact prefix for a build.
func BuildPrefix(siteID, buildID string) string {
	return fmt.Sprintf("%s/%s/", siteID, buildID)
}

// FragmentKey addresses the stored render of one fragment kind.
func FragmentKey(siteID, kind string) string {
	return fmt.Sprintf("fragments/%s/%s.html", siteID, kind)
}

// ManifestKey addresses a site's fragment manifest document.
func ManifestKey(siteID string) string {
	return fmt.Sprintf("fragments/%s/manifest.json", siteID)
}

// contentTypeForKey picks a Content-Type from the object key extension.
func contentTypeForKey(key string) string {
	switch {
	case strings.HasSuffix(key, ".html"):
		return "text/html; charset=utf-8"
	case strings.HasSuffix(key, ".css"):
		return "text/css; charset=utf-8"
	case strings.HasSuffix(key, ".js"):
		return "application/javascript"
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".svg"):
		return "image/svg+xml"
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	case strings.HasSuffix(key, ".jpg"), strings.HasSuffix(key, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(key, ".webp"):
		return "image/webp"
	case strings.HasSuffix(key, ".ico"):
		return "image/x-icon"
	case strings.HasSuffix(key, ".txt"), strings.HasSuffix(key, ".log"):
		return "text/plain; charset=utf-8"
	case strings.HasSuffix(key, ".xml"):
		return "application/xml"
	default:
		return "application/octet-stream"
	}
}
