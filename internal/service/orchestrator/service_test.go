package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/merfy/sitehost/internal/dnschallenge"
	"github.com/merfy/sitehost/internal/domain"
	"github.com/merfy/sitehost/internal/provider"
	"github.com/merfy/sitehost/internal/repository"
	"github.com/merfy/sitehost/internal/service/build"
	"github.com/merfy/sitehost/internal/service/events"
	"github.com/merfy/sitehost/internal/storage"
	"github.com/merfy/sitehost/internal/ws"
	"github.com/merfy/sitehost/pkg/config"
)

type testEnv struct {
	svc      Service
	store    *memStore
	objects  *storage.MemoryStore
	prov     *provider.Simulated
	gen      *fakeGenerator
	resolver *fakeResolver
	locker   *repository.MemorySiteLocker
	cfg      config.APIConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := testLogger()
	store := newMemStore()
	objects := storage.NewMemoryStore("test-artifacts")
	gen := &fakeGenerator{}
	prov := provider.NewSimulated(log)
	resolver := &fakeResolver{}
	cfg := config.APIConfig{
		ChallengePrefix:    "_merfy-verify",
		DomainVerifyExpiry: 24 * time.Hour,
	}
	pipeline := build.New(store, objects, gen, log)
	verifier := dnschallenge.NewVerifier(resolver, cfg.ChallengePrefix, log)
	eventSvc := events.New(ws.NewHub(), log)
	locker := repository.NewMemorySiteLocker()
	svc := New(store, store, store, store, store, locker, prov, pipeline, verifier, eventSvc, log, cfg)
	return &testEnv{svc: svc, store: store, objects: objects, prov: prov, gen: gen, resolver: resolver, locker: locker, cfg: cfg}
}

func (e *testEnv) createSiteWithRevision(t *testing.T, tenantID string) *domain.Site {
	t.Helper()
	ctx := context.Background()
	site, err := e.svc.CreateSite(ctx, tenantID, "test store")
	if err != nil {
		t.Fatalf("CreateSite: %v", err)
	}
	if _, err := e.svc.SaveRevision(ctx, tenantID, site.ID, []byte(`{"pages":[]}`), nil); err != nil {
		t.Fatalf("SaveRevision: %v", err)
	}
	site, err = e.svc.GetSite(ctx, tenantID, site.ID)
	if err != nil {
		t.Fatalf("GetSite: %v", err)
	}
	return site
}

func TestPublishHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.createSiteWithRevision(t, "tenant-1")

	result, err := env.svc.Publish(ctx, "tenant-1", site.ID)
	if err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if result.URL == "" {
		t.Fatal("expected a public URL")
	}
	if result.InFlight {
		t.Fatal("first publish should not report in-flight")
	}

	site, err = env.svc.GetSite(ctx, "tenant-1", site.ID)
	if err != nil {
		t.Fatalf("GetSite: %v", err)
	}
	if site.Status != domain.SitePublished {
		t.Fatalf("expected published site, got %s", site.Status)
	}
	if site.CurrentDeploymentID == nil || *site.CurrentDeploymentID != result.DeploymentID {
		t.Fatal("current deployment pointer not set")
	}

	b, err := env.store.GetBuildByID(ctx, result.BuildID)
	if err != nil {
		t.Fatalf("GetBuildByID: %v", err)
	}
	if b.Status != domain.BuildUploaded {
		t.Fatalf("expected uploaded build, got %s", b.Status)
	}
	keys, err := env.objects.List(ctx, storage.BuildPrefix(site.ID, b.ID))
	if err != nil {
		t.Fatalf("List artifacts: %v", err)
	}
	if len(keys) < 2 {
		t.Fatalf("expected artifact tree under build prefix, got %v", keys)
	}
	if want := env.objects.PublicURL(storage.BuildPrefix(site.ID, b.ID)); result.ArtifactURL != want {
		t.Fatalf("ArtifactURL = %q, want %q", result.ArtifactURL, want)
	}
}

func TestPublishWithoutRevision(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site, err := env.svc.CreateSite(ctx, "tenant-1", "empty store")
	if err != nil {
		t.Fatalf("CreateSite: %v", err)
	}

	_, err = env.svc.Publish(ctx, "tenant-1", site.ID)
	if !domain.IsCode(err, domain.CodeNoRevision) {
		t.Fatalf("expected no_revision, got %v", err)
	}
	if env.gen.generateCalls() != 0 {
		t.Fatal("generator must not run without a revision")
	}
}

func TestPublishCrossTenantLooksLikeNotFound(t *testing.T) {
	env := newTestEnv(t)
	site := env.createSiteWithRevision(t, "tenant-1")

	_, err := env.svc.Publish(context.Background(), "tenant-2", site.ID)
	if !domain.IsCode(err, domain.CodeNotFound) {
		t.Fatalf("expected not_found for foreign tenant, got %v", err)
	}
}

func TestRepublishRetiresPreviousDeployment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.createSiteWithRevision(t, "tenant-1")

	first, err := env.svc.Publish(ctx, "tenant-1", site.ID)
	if err != nil {
		t.Fatalf("first Publish: %v", err)
	}
	second, err := env.svc.Publish(ctx, "tenant-1", site.ID)
	if err != nil {
		t.Fatalf("second Publish: %v", err)
	}
	if second.DeploymentID == first.DeploymentID {
		t.Fatal("expected a fresh deployment on republish")
	}

	if count := env.store.deployedCount(site.ID); count != 1 {
		t.Fatalf("expected exactly one deployed deployment, got %d", count)
	}
	prev, err := env.store.GetDeploymentByID(ctx, first.DeploymentID)
	if err != nil {
		t.Fatalf("GetDeploymentByID: %v", err)
	}
	if prev.Status != domain.DeploymentDisabled {
		t.Fatalf("expected previous deployment disabled, got %s", prev.Status)
	}
	if !env.prov.Disabled(prev.ProviderAppRef, prev.ProviderEnvRef) {
		t.Fatal("provider was not told to disable the previous deployment")
	}
}

func TestConcurrentPublishIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.createSiteWithRevision(t, "tenant-1")
	env.gen.delay = 50 * time.Millisecond

	const attempts = 4
	var wg sync.WaitGroup
	results := make([]PublishResult, attempts)
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.svc.Publish(ctx, "tenant-1", site.ID)
		}(i)
	}
	wg.Wait()

	won := 0
	for i, err := range errs {
		if err != nil {
			t.Fatalf("publish %d errored instead of returning in-flight state: %v", i, err)
		}
		if !results[i].InFlight {
			won++
			if results[i].URL == "" || results[i].BuildID == "" || results[i].DeploymentID == "" {
				t.Fatalf("winning publish returned incomplete result: %+v", results[i])
			}
		}
	}
	if won == 0 {
		t.Fatal("expected at least one publish to win the lock")
	}
	// Every call that observed a URL observed the same one.
	for i, res := range results {
		if res.URL != "" && res.URL != "https://"+site.ID+".sites.merfy.dev" {
			t.Fatalf("publish %d returned URL %q", i, res.URL)
		}
	}
	if count := env.store.deployedCount(site.ID); count != 1 {
		t.Fatalf("expected one deployed deployment after the race, got %d", count)
	}
}

func TestPublishWhileLockedReturnsInFlightIdentifiers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.createSiteWithRevision(t, "tenant-1")

	if _, err := env.svc.Publish(ctx, "tenant-1", site.ID); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	live, err := env.store.GetDeployedDeployment(ctx, site.ID)
	if err != nil {
		t.Fatalf("GetDeployedDeployment: %v", err)
	}
	activeBuild := &domain.Build{
		ID:        "build-active",
		SiteID:    site.ID,
		Status:    domain.BuildRunning,
		CreatedAt: time.Now().UTC(),
	}
	if err := env.store.CreateBuild(ctx, activeBuild); err != nil {
		t.Fatalf("CreateBuild: %v", err)
	}

	// Hold the site lock the way a concurrent operation would.
	unlock, err := env.locker.TryLockSite(ctx, site.ID)
	if err != nil {
		t.Fatalf("TryLockSite: %v", err)
	}
	defer unlock()

	result, err := env.svc.Publish(ctx, "tenant-1", site.ID)
	if err != nil {
		t.Fatalf("publish under held lock should not error: %v", err)
	}
	if !result.InFlight {
		t.Fatal("expected in-flight result while the lock is held")
	}
	if result.BuildID != activeBuild.ID {
		t.Fatalf("BuildID = %q, want the active build %q", result.BuildID, activeBuild.ID)
	}
	if result.URL != live.URL || result.DeploymentID != live.ID {
		t.Fatalf("expected the live deployment identifiers, got %+v", result)
	}

	// Freeze keeps the conflict semantics under the same held lock.
	if err := env.svc.Freeze(ctx, "tenant-1", site.ID); !domain.IsCode(err, domain.CodeConflictInProgress) {
		t.Fatalf("expected conflict_in_progress from freeze, got %v", err)
	}
}

func TestRequestBuildOnArchivedSiteCreatesNoBuild(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.createSiteWithRevision(t, "tenant-1")
	if err := env.svc.Archive(ctx, "tenant-1", site.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	_, err := env.svc.RequestBuild(ctx, "tenant-1", site.ID)
	if !domain.IsCode(err, domain.CodeInvalidState) {
		t.Fatalf("expected invalid_state, got %v", err)
	}
	builds, err := env.store.ListBuildsBySite(ctx, site.ID, 0)
	if err != nil {
		t.Fatalf("ListBuildsBySite: %v", err)
	}
	if len(builds) != 0 {
		t.Fatalf("expected no build rows for archived site, got %d", len(builds))
	}
}

func TestFreezeLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.createSiteWithRevision(t, "tenant-1")

	if err := env.svc.Freeze(ctx, "tenant-1", site.ID); !domain.IsCode(err, domain.CodeInvalidState) {
		t.Fatalf("freezing a draft should be invalid_state, got %v", err)
	}

	result, err := env.svc.Publish(ctx, "tenant-1", site.ID)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := env.svc.Freeze(ctx, "tenant-1", site.ID); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	site, _ = env.svc.GetSite(ctx, "tenant-1", site.ID)
	if site.Status != domain.SiteFrozen {
		t.Fatalf("expected frozen, got %s", site.Status)
	}
	if site.FrozenAt == nil {
		t.Fatal("expected frozen_at to be recorded")
	}
	live, _ := env.store.GetDeploymentByID(ctx, result.DeploymentID)
	if !env.prov.Disabled(live.ProviderAppRef, live.ProviderEnvRef) {
		t.Fatal("freeze must disable serving at the provider")
	}

	if _, err := env.svc.Publish(ctx, "tenant-1", site.ID); !domain.IsCode(err, domain.CodeInvalidState) {
		t.Fatalf("publish while frozen should be invalid_state, got %v", err)
	}

	if err := env.svc.Unfreeze(ctx, "tenant-1", site.ID); err != nil {
		t.Fatalf("Unfreeze: %v", err)
	}
	site, _ = env.svc.GetSite(ctx, "tenant-1", site.ID)
	if site.Status != domain.SitePublished {
		t.Fatalf("expected published after unfreeze, got %s", site.Status)
	}
	if env.prov.Disabled(live.ProviderAppRef, live.ProviderEnvRef) {
		t.Fatal("unfreeze must re-enable serving at the provider")
	}
}

func TestArchiveIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.createSiteWithRevision(t, "tenant-1")

	if err := env.svc.Archive(ctx, "tenant-1", site.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if err := env.svc.Archive(ctx, "tenant-1", site.ID); !domain.IsCode(err, domain.CodeInvalidState) {
		t.Fatalf("second archive should be invalid_state, got %v", err)
	}
	if err := env.svc.Unfreeze(ctx, "tenant-1", site.ID); !domain.IsCode(err, domain.CodeInvalidState) {
		t.Fatalf("unfreeze after archive should be invalid_state, got %v", err)
	}
	if _, err := env.svc.SaveRevision(ctx, "tenant-1", site.ID, []byte(`{}`), nil); !domain.IsCode(err, domain.CodeInvalidState) {
		t.Fatalf("save revision after archive should be invalid_state, got %v", err)
	}
}

func TestFailedGeneratorLeavesNoArtifacts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.createSiteWithRevision(t, "tenant-1")
	env.gen.failErr = errors.New("template engine crashed")

	_, err := env.svc.Publish(ctx, "tenant-1", site.ID)
	if !domain.IsCode(err, domain.CodeExternalProvider) {
		t.Fatalf("expected external_provider_error, got %v", err)
	}

	builds, _ := env.store.ListBuildsBySite(ctx, site.ID, 0)
	if len(builds) != 1 {
		t.Fatalf("expected one failed build, got %d", len(builds))
	}
	if builds[0].Status != domain.BuildFailed {
		t.Fatalf("expected failed build, got %s", builds[0].Status)
	}
	if !strings.Contains(builds[0].Error, "template engine crashed") {
		t.Fatalf("build error should carry the cause, got %q", builds[0].Error)
	}

	keys, _ := env.objects.List(ctx, site.ID+"/")
	for _, key := range keys {
		if !strings.HasSuffix(key, "_build.log") {
			t.Fatalf("no artifact objects expected after failure, found %s", key)
		}
	}
	site, _ = env.svc.GetSite(ctx, "tenant-1", site.ID)
	if site.Status != domain.SiteDraft {
		t.Fatalf("failed publish must not change site status, got %s", site.Status)
	}
}

func TestPublishReturnsInFlightBuild(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.createSiteWithRevision(t, "tenant-1")

	// Simulate a crashed-then-recovering worker: an in-flight row exists.
	stale := &domain.Build{
		ID:         "stale-build",
		SiteID:     site.ID,
		RevisionID: *site.CurrentRevisionID,
		Status:     domain.BuildRunning,
		CreatedAt:  time.Now().UTC(),
	}
	if err := env.store.CreateBuild(ctx, stale); err != nil {
		t.Fatalf("CreateBuild: %v", err)
	}

	result, err := env.svc.Publish(ctx, "tenant-1", site.ID)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !result.InFlight {
		t.Fatal("expected in-flight result")
	}
	if result.BuildID != stale.ID {
		t.Fatalf("expected the in-flight build id, got %s", result.BuildID)
	}
	if env.gen.generateCalls() != 0 {
		t.Fatal("no new generation should start while a build is in flight")
	}
}
