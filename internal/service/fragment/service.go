package fragment

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"

	"github.com/merfy/sitehost/internal/domain"
	"github.com/merfy/sitehost/internal/storage"
)

// Kinds is the fixed set of fragment-bearing component kinds refreshed on a
// product change.
var Kinds = []string{
	"product-grid",
	"product-detail",
	"price-badge",
	"inventory-banner",
}

// hashLen is the fingerprint width: first 8 hex characters of the digest.
const hashLen = 8

// Service re-renders dynamic fragments of an already-published site and
// patches them into storage without a full rebuild. Partial success is the
// expected steady state under flaky renderers.
type Service struct {
	store    storage.ArtifactStore
	renderer Renderer
	logger   *slog.Logger
}

// New returns a fragment patcher.
func New(store storage.ArtifactStore, renderer Renderer, logger *slog.Logger) Service {
	return Service{store: store, renderer: renderer, logger: logger}
}

// PatchResult reports the per-kind outcome of one patch pass.
type PatchResult struct {
	Updated []string `json:"updated"`
	Skipped []string `json:"skipped"`
}

// Patch re-renders every fragment kind for the site, stores the rendered
// bytes under fixed keys, and rewrites the manifest for the kinds that
// succeeded. A failed render is logged and skipped, never fatal.
func (s Service) Patch(ctx context.Context, siteID string) (PatchResult, error) {
	manifest, err := s.loadManifest(ctx, siteID)
	if err != nil {
		return PatchResult{}, err
	}

	var result PatchResult
	now := time.Now().UTC()
	for _, kind := range Kinds {
		rendered, err := s.renderer.Render(ctx, siteID, kind)
		if err != nil {
			s.logger.Warn("fragment render failed", "site_id", siteID, "kind", kind, "error", err)
			result.Skipped = append(result.Skipped, kind)
			continue
		}
		key := storage.FragmentKey(siteID, kind)
		if err := s.store.Upload(ctx, key, bytes.NewReader(rendered)); err != nil {
			s.logger.Warn("fragment upload failed", "site_id", siteID, "kind", kind, "error", err)
			result.Skipped = append(result.Skipped, kind)
			continue
		}
		manifest.Fragments[kind] = Entry{Hash: Fingerprint(rendered), UpdatedAt: now}
		result.Updated = append(result.Updated, kind)
	}

	if len(result.Updated) > 0 {
		manifest.Version++
		manifest.UpdatedAt = now
		if err := s.storeManifest(ctx, siteID, manifest); err != nil {
			return result, err
		}
	}

	s.logger.Info("fragment patch finished", "site_id", siteID,
		"updated", len(result.Updated), "skipped", len(result.Skipped))
	return result, nil
}

// Fingerprint returns the change-detection hash for rendered fragment bytes.
func Fingerprint(rendered []byte) string {
	sum := blake3.Sum256(rendered)
	return hex.EncodeToString(sum[:])[:hashLen]
}

// loadManifest reads the site manifest, starting fresh when it is absent or
// corrupt.
func (s Service) loadManifest(ctx context.Context, siteID string) (Manifest, error) {
	r, err := s.store.Download(ctx, storage.ManifestKey(siteID))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return emptyManifest(), nil
		}
		return Manifest{}, domain.Wrap(domain.CodeStorage, err, "load fragment manifest for site %s", siteID)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return Manifest{}, domain.Wrap(domain.CodeStorage, err, "read fragment manifest for site %s", siteID)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		s.logger.Warn("fragment manifest corrupt, reinitializing", "site_id", siteID, "error", err)
		return emptyManifest(), nil
	}
	if manifest.Fragments == nil {
		manifest.Fragments = make(map[string]Entry)
	}
	return manifest, nil
}

func (s Service) storeManifest(ctx context.Context, siteID string, manifest Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := s.store.Upload(ctx, storage.ManifestKey(siteID), bytes.NewReader(data)); err != nil {
		return domain.Wrap(domain.CodeStorage, err, "store fragment manifest for site %s", siteID)
	}
	return nil
}
