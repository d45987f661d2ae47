package generator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/merfy/sitehost/internal/docker"
	"github.com/merfy/sitehost/internal/workspace"
)

// Workspace layout inside the generator container.
const (
	containerInputDir  = "/input"
	containerOutputDir = "/output"
	revisionFileName   = "revision.json"
	metaFileName       = "meta.json"
)

// DockerGenerator runs the static-site generator image once per build. The
// revision document is written into the build workspace, the container
// renders into the output directory, and a non-zero exit is a build failure.
type DockerGenerator struct {
	client     *docker.Client
	workspaces *workspace.Manager
	image      string
	timeout    time.Duration
	logger     *slog.Logger
}

// NewDocker constructs a generator bound to an image and workspace root.
func NewDocker(client *docker.Client, workspaces *workspace.Manager, image string, timeout time.Duration, logger *slog.Logger) *DockerGenerator {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &DockerGenerator{
		client:     client,
		workspaces: workspaces,
		image:      image,
		timeout:    timeout,
		logger:     logger,
	}
}

// Generate renders the job's revision into a file tree.
func (g *DockerGenerator) Generate(ctx context.Context, job Job) (Result, error) {
	dir, err := g.workspaces.Prepare(job.BuildID)
	if err != nil {
		return Result{}, err
	}

	inputDir := filepath.Join(dir, "input")
	outputDir := filepath.Join(dir, "output")
	for _, d := range []string{inputDir, outputDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return Result{}, fmt.Errorf("create generator dir: %w", err)
		}
	}
	if err := os.WriteFile(filepath.Join(inputDir, revisionFileName), job.Content, 0o644); err != nil {
		return Result{}, fmt.Errorf("write revision input: %w", err)
	}
	if len(job.Meta) > 0 {
		if err := os.WriteFile(filepath.Join(inputDir, metaFileName), job.Meta, 0o644); err != nil {
			return Result{}, fmt.Errorf("write revision metadata: %w", err)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	name := "merfy-gen-" + job.BuildID
	env := []string{
		"MERFY_SITE_ID=" + job.SiteID,
		"MERFY_BUILD_ID=" + job.BuildID,
		"MERFY_REVISION_ID=" + job.RevisionID,
	}
	binds := []string{
		inputDir + ":" + containerInputDir + ":ro",
		outputDir + ":" + containerOutputDir,
	}

	run, err := g.client.RunToCompletion(runCtx, name, g.image, env, binds)
	if err != nil {
		return Result{Log: run.Output}, fmt.Errorf("run generator: %w", err)
	}
	if run.ExitCode != 0 {
		return Result{Log: run.Output}, fmt.Errorf("generator exited with code %d", run.ExitCode)
	}

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return Result{Log: run.Output}, fmt.Errorf("read generator output: %w", err)
	}
	if len(entries) == 0 {
		return Result{Log: run.Output}, fmt.Errorf("generator produced no output")
	}

	g.logger.Info("generator finished", "site_id", job.SiteID, "build_id", job.BuildID)
	return Result{OutputDir: outputDir, Log: run.Output}, nil
}

// Cleanup removes the build workspace.
func (g *DockerGenerator) Cleanup(job Job) error {
	return g.workspaces.Cleanup(filepath.Join(g.workspaces.Root(), job.BuildID))
}
