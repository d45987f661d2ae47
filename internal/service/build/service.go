package build

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/merfy/sitehost/internal/domain"
	"github.com/merfy/sitehost/internal/generator"
	"github.com/merfy/sitehost/internal/repository"
	"github.com/merfy/sitehost/internal/storage"
)

// buildLogKey is the object holding the captured generator output for a build.
const buildLogKey = "_build.log"

// Service is the build pipeline: it turns a revision into an uploaded
// artifact tree. A build leaves here either uploaded with a complete
// locator or failed with no committed artifact.
type Service struct {
	builds repository.BuildRepository
	store  storage.ArtifactStore
	gen    generator.Generator
	logger *slog.Logger
}

// New returns a build pipeline service.
func New(builds repository.BuildRepository, store storage.ArtifactStore, gen generator.Generator, logger *slog.Logger) Service {
	return Service{builds: builds, store: store, gen: gen, logger: logger}
}

// Run executes a queued build synchronously. On success the build is
// uploaded with its artifact locator set; on any failure the build is
// failed, the error recorded, and the staging prefix cleaned up best-effort.
func (s Service) Run(ctx context.Context, b *domain.Build, rev *domain.Revision) (*domain.Build, error) {
	if b.Status != domain.BuildQueued {
		return b, domain.E(domain.CodeInvalidState, "build %s is %s, expected queued", b.ID, b.Status)
	}
	if err := s.builds.UpdateBuildStatus(ctx, domain.BuildStatusUpdate{BuildID: b.ID, Status: domain.BuildRunning}); err != nil {
		return b, domain.Wrap(domain.CodeStorage, err, "mark build running")
	}
	b.Status = domain.BuildRunning

	job := generator.Job{
		SiteID:     b.SiteID,
		BuildID:    b.ID,
		RevisionID: rev.ID,
		Content:    rev.Content,
		Meta:       rev.Meta,
	}
	result, genErr := s.gen.Generate(ctx, job)
	defer func() {
		if err := s.gen.Cleanup(job); err != nil {
			s.logger.Warn("generator cleanup failed", "build_id", b.ID, "error", err)
		}
	}()

	prefix := storage.BuildPrefix(b.SiteID, b.ID)
	logURL := s.uploadLog(ctx, prefix, result.Log)

	if genErr != nil {
		s.logger.Error("generator failed", "site_id", b.SiteID, "build_id", b.ID, "error", genErr)
		s.markFailed(ctx, b, logURL, fmt.Sprintf("generator failed: %v", genErr))
		return b, domain.Wrap(domain.CodeExternalProvider, genErr, "generate site %s", b.SiteID)
	}

	if err := s.uploadTree(ctx, result.OutputDir, prefix); err != nil {
		s.logger.Error("artifact upload failed", "site_id", b.SiteID, "build_id", b.ID, "error", err)
		if cleanupErr := s.store.DeletePrefix(ctx, prefix); cleanupErr != nil {
			s.logger.Warn("artifact cleanup failed", "build_id", b.ID, "error", cleanupErr)
		} else if logURL != "" {
			// The prefix wipe took the log object with it; restore it so
			// the failed build's log locator still resolves.
			logURL = s.uploadLog(ctx, prefix, result.Log)
		}
		s.markFailed(ctx, b, logURL, fmt.Sprintf("artifact upload failed: %v", err))
		return b, domain.Wrap(domain.CodeStorage, err, "upload artifacts for build %s", b.ID)
	}

	// The uploaded flag is the commit point: the whole tree is present
	// before the status flips.
	now := time.Now().UTC()
	update := domain.BuildStatusUpdate{
		BuildID:        b.ID,
		Status:         domain.BuildUploaded,
		ArtifactBucket: s.store.Bucket(),
		ArtifactPrefix: prefix,
		LogURL:         logURL,
		CompletedAt:    &now,
	}
	if err := s.builds.UpdateBuildStatus(ctx, update); err != nil {
		return b, domain.Wrap(domain.CodeStorage, err, "commit build %s", b.ID)
	}
	b.Status = domain.BuildUploaded
	b.ArtifactBucket = s.store.Bucket()
	b.ArtifactPrefix = prefix
	b.LogURL = logURL
	b.CompletedAt = &now

	s.logger.Info("build uploaded", "site_id", b.SiteID, "build_id", b.ID, "prefix", prefix)
	return b, nil
}

// ArtifactURL resolves a build's artifact locator to its serving URL. Builds
// without a committed locator have no URL.
func (s Service) ArtifactURL(b *domain.Build) string {
	if b == nil || b.ArtifactPrefix == "" {
		return ""
	}
	return s.store.PublicURL(b.ArtifactPrefix)
}

func (s Service) uploadTree(ctx context.Context, dir, prefix string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		key := prefix + filepath.ToSlash(rel)
		backoff := retry.WithMaxRetries(3, retry.NewExponential(250*time.Millisecond))
		return retry.Do(ctx, backoff, func(ctx context.Context) error {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := s.store.Upload(ctx, key, f); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
	})
}

// uploadLog stores the generator output beside the artifacts. Log upload is
// best-effort; a build never fails because its log could not be stored.
func (s Service) uploadLog(ctx context.Context, prefix, log string) string {
	if log == "" {
		return ""
	}
	key := prefix + buildLogKey
	if err := s.store.Upload(ctx, key, strings.NewReader(log)); err != nil {
		s.logger.Warn("build log upload failed", "key", key, "error", err)
		return ""
	}
	return s.store.PublicURL(key)
}

func (s Service) markFailed(ctx context.Context, b *domain.Build, logURL, message string) {
	now := time.Now().UTC()
	update := domain.BuildStatusUpdate{
		BuildID:     b.ID,
		Status:      domain.BuildFailed,
		LogURL:      logURL,
		Error:       message,
		CompletedAt: &now,
	}
	if err := s.builds.UpdateBuildStatus(ctx, update); err != nil {
		s.logger.Warn("mark build failed errored", "build_id", b.ID, "error", err)
	}
	b.Status = domain.BuildFailed
	b.Error = message
	b.LogURL = logURL
	b.CompletedAt = &now
}
