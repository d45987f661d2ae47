package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/merfy/sitehost/internal/dnschallenge"
	"github.com/merfy/sitehost/internal/domain"
)

func TestAttachDomainIssuesChallenge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.createSiteWithRevision(t, "tenant-1")

	result, err := env.svc.AttachDomain(ctx, "tenant-1", site.ID, "Shop.Example.COM.")
	if err != nil {
		t.Fatalf("AttachDomain: %v", err)
	}
	if result.Domain.Domain != "shop.example.com" {
		t.Fatalf("hostname not normalized: %q", result.Domain.Domain)
	}
	if result.Domain.Status != domain.DomainPending {
		t.Fatalf("expected pending, got %s", result.Domain.Status)
	}
	if result.Challenge.Name != "_merfy-verify.shop.example.com" {
		t.Fatalf("unexpected challenge record name %q", result.Challenge.Name)
	}
	if len(result.Challenge.Value) != 32 {
		t.Fatalf("expected 128-bit hex token, got %d chars", len(result.Challenge.Value))
	}
	if result.Challenge.Value != result.Domain.VerificationToken {
		t.Fatal("challenge value must match the stored token")
	}
}

func TestAttachDomainClaimedByOtherTenant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mine := env.createSiteWithRevision(t, "tenant-1")
	theirs := env.createSiteWithRevision(t, "tenant-2")

	if _, err := env.svc.AttachDomain(ctx, "tenant-2", theirs.ID, "shop.example.com"); err != nil {
		t.Fatalf("AttachDomain (other tenant): %v", err)
	}
	_, err := env.svc.AttachDomain(ctx, "tenant-1", mine.ID, "shop.example.com")
	if !domain.IsCode(err, domain.CodeDomainTaken) {
		t.Fatalf("expected domain_taken, got %v", err)
	}
}

func TestAttachDomainBoundToSiblingSite(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.createSiteWithRevision(t, "tenant-1")
	second := env.createSiteWithRevision(t, "tenant-1")

	if _, err := env.svc.AttachDomain(ctx, "tenant-1", first.ID, "shop.example.com"); err != nil {
		t.Fatalf("AttachDomain: %v", err)
	}
	_, err := env.svc.AttachDomain(ctx, "tenant-1", second.ID, "shop.example.com")
	if !domain.IsCode(err, domain.CodeDomainAttached) {
		t.Fatalf("expected domain_already_attached, got %v", err)
	}
}

func TestReattachReissuesToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.createSiteWithRevision(t, "tenant-1")

	first, err := env.svc.AttachDomain(ctx, "tenant-1", site.ID, "shop.example.com")
	if err != nil {
		t.Fatalf("AttachDomain: %v", err)
	}
	second, err := env.svc.AttachDomain(ctx, "tenant-1", site.ID, "shop.example.com")
	if err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	if second.Domain.VerificationToken == first.Domain.VerificationToken {
		t.Fatal("re-attach must issue a fresh token")
	}
	if second.Domain.Status != domain.DomainPending {
		t.Fatalf("re-attach must reset to pending, got %s", second.Domain.Status)
	}
	if second.Domain.Attempts != 0 {
		t.Fatalf("re-attach must reset attempts, got %d", second.Domain.Attempts)
	}
}

func TestVerifyDomainSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.createSiteWithRevision(t, "tenant-1")
	published, err := env.svc.Publish(ctx, "tenant-1", site.ID)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	attached, err := env.svc.AttachDomain(ctx, "tenant-1", site.ID, "shop.example.com")
	if err != nil {
		t.Fatalf("AttachDomain: %v", err)
	}
	env.resolver.set(attached.Challenge.Name, "unrelated-record", attached.Challenge.Value)

	verified, err := env.svc.VerifyDomain(ctx, "tenant-1", site.ID)
	if err != nil {
		t.Fatalf("VerifyDomain: %v", err)
	}
	if verified.Status != domain.DomainVerified {
		t.Fatalf("expected verified, got %s", verified.Status)
	}
	if verified.VerifiedAt == nil {
		t.Fatal("expected verified_at to be set")
	}

	live, err := env.store.GetDeploymentByID(ctx, published.DeploymentID)
	if err != nil {
		t.Fatalf("GetDeploymentByID: %v", err)
	}
	bound := env.prov.BoundDomains(live.ProviderAppRef)
	if len(bound) != 1 || bound[0] != "shop.example.com" {
		t.Fatalf("expected domain bound at provider, got %v", bound)
	}

	// Verification is idempotent once verified.
	again, err := env.svc.VerifyDomain(ctx, "tenant-1", site.ID)
	if err != nil {
		t.Fatalf("second VerifyDomain: %v", err)
	}
	if again.Status != domain.DomainVerified {
		t.Fatalf("expected verified on repeat, got %s", again.Status)
	}
}

func TestVerifyDomainMissingRecordStaysPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.createSiteWithRevision(t, "tenant-1")
	if _, err := env.svc.AttachDomain(ctx, "tenant-1", site.ID, "shop.example.com"); err != nil {
		t.Fatalf("AttachDomain: %v", err)
	}

	d, err := env.svc.VerifyDomain(ctx, "tenant-1", site.ID)
	if !domain.IsCode(err, domain.CodeVerificationPending) {
		t.Fatalf("expected verification_pending, got %v", err)
	}
	if d.Status != domain.DomainPending {
		t.Fatalf("expected pending, got %s", d.Status)
	}
	if d.Attempts != 1 {
		t.Fatalf("expected one recorded attempt, got %d", d.Attempts)
	}

	d, err = env.svc.VerifyDomain(ctx, "tenant-1", site.ID)
	if !domain.IsCode(err, domain.CodeVerificationPending) {
		t.Fatalf("expected verification_pending, got %v", err)
	}
	if d.Attempts != 2 {
		t.Fatalf("expected two recorded attempts, got %d", d.Attempts)
	}
}

func TestVerifyDomainWrongValueStaysPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.createSiteWithRevision(t, "tenant-1")
	attached, err := env.svc.AttachDomain(ctx, "tenant-1", site.ID, "shop.example.com")
	if err != nil {
		t.Fatalf("AttachDomain: %v", err)
	}
	env.resolver.set(attached.Challenge.Name, "deadbeefdeadbeefdeadbeefdeadbeef")

	d, err := env.svc.VerifyDomain(ctx, "tenant-1", site.ID)
	if !domain.IsCode(err, domain.CodeVerificationPending) {
		t.Fatalf("expected verification_pending on mismatch, got %v", err)
	}
	if d.Status != domain.DomainPending {
		t.Fatalf("expected pending, got %s", d.Status)
	}
}

func TestVerifyDomainExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.createSiteWithRevision(t, "tenant-1")
	attached, err := env.svc.AttachDomain(ctx, "tenant-1", site.ID, "shop.example.com")
	if err != nil {
		t.Fatalf("AttachDomain: %v", err)
	}
	env.store.setDomainCreatedAt(attached.Domain.ID, time.Now().UTC().Add(-25*time.Hour))

	d, err := env.svc.VerifyDomain(ctx, "tenant-1", site.ID)
	if !domain.IsCode(err, domain.CodeVerificationExpired) {
		t.Fatalf("expected verification_expired, got %v", err)
	}
	if d.Status != domain.DomainFailed {
		t.Fatalf("expected failed after expiry, got %s", d.Status)
	}

	// Failed stays failed until re-attach.
	if _, err := env.svc.VerifyDomain(ctx, "tenant-1", site.ID); !domain.IsCode(err, domain.CodeVerificationExpired) {
		t.Fatalf("expected verification_expired on retry, got %v", err)
	}

	// Re-attach resets the challenge window.
	again, err := env.svc.AttachDomain(ctx, "tenant-1", site.ID, "shop.example.com")
	if err != nil {
		t.Fatalf("re-attach after expiry: %v", err)
	}
	env.resolver.set(again.Challenge.Name, again.Challenge.Value)
	verified, err := env.svc.VerifyDomain(ctx, "tenant-1", site.ID)
	if err != nil {
		t.Fatalf("VerifyDomain after re-attach: %v", err)
	}
	if verified.Status != domain.DomainVerified {
		t.Fatalf("expected verified, got %s", verified.Status)
	}
}

func TestRecordNameComposition(t *testing.T) {
	name := dnschallenge.RecordName("_merfy-verify", "shop.example.com")
	if name != "_merfy-verify.shop.example.com" {
		t.Fatalf("unexpected record name %q", name)
	}
}

func TestAttachDomainRejectsBareLabel(t *testing.T) {
	env := newTestEnv(t)
	site := env.createSiteWithRevision(t, "tenant-1")

	_, err := env.svc.AttachDomain(context.Background(), "tenant-1", site.ID, "localhost")
	if !domain.IsCode(err, domain.CodeInvalidState) {
		t.Fatalf("expected invalid_state for bare label, got %v", err)
	}
}
