package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/merfy/sitehost/internal/dnschallenge"
	"github.com/merfy/sitehost/internal/domain"
	"github.com/merfy/sitehost/internal/repository"
)

// AttachResult carries the challenge the domain owner must publish.
type AttachResult struct {
	Domain    *domain.CustomDomain
	Challenge domain.DNSChallenge
}

// AttachDomain claims a hostname for a site and issues its DNS-TXT
// challenge. Re-attaching the same hostname to the same site re-issues a
// fresh token and resets verification.
func (s Service) AttachDomain(ctx context.Context, tenantID, siteID, hostname string) (AttachResult, error) {
	hostname = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(hostname), "."))
	if hostname == "" || !strings.Contains(hostname, ".") {
		return AttachResult{}, domain.E(domain.CodeInvalidState, "%q is not a valid hostname", hostname)
	}

	unlock, err := s.lockSite(ctx, siteID)
	if err != nil {
		return AttachResult{}, err
	}
	defer unlock()

	site, err := s.loadSite(ctx, tenantID, siteID)
	if err != nil {
		return AttachResult{}, err
	}
	if site.Status == domain.SiteArchived {
		return AttachResult{}, domain.E(domain.CodeInvalidState, "site %s is archived", siteID)
	}

	existing, err := s.domains.GetDomainByName(ctx, hostname)
	switch {
	case err == nil:
		if existing.TenantID != tenantID {
			return AttachResult{}, domain.E(domain.CodeDomainTaken, "domain %s is already claimed", hostname)
		}
		if existing.SiteID != siteID {
			return AttachResult{}, domain.E(domain.CodeDomainAttached, "domain %s is attached to another of your sites", hostname)
		}
		// Same site: re-issue the challenge with a fresh token.
		token, err := dnschallenge.NewToken()
		if err != nil {
			return AttachResult{}, domain.Wrap(domain.CodeInternal, err, "issue verification token")
		}
		if err := s.domains.ResetDomainToken(ctx, existing.ID, token); err != nil {
			return AttachResult{}, domain.Wrap(domain.CodeStorage, err, "reset domain token")
		}
		existing.VerificationToken = token
		existing.Status = domain.DomainPending
		existing.Attempts = 0
		existing.VerifiedAt = nil
		return AttachResult{Domain: existing, Challenge: s.challengeFor(existing)}, nil
	case errors.Is(err, repository.ErrNotFound):
		// fall through to create
	default:
		return AttachResult{}, domain.Wrap(domain.CodeStorage, err, "look up domain %s", hostname)
	}

	token, err := dnschallenge.NewToken()
	if err != nil {
		return AttachResult{}, domain.Wrap(domain.CodeInternal, err, "issue verification token")
	}
	now := time.Now().UTC()
	d := &domain.CustomDomain{
		ID:                uuid.NewString(),
		SiteID:            siteID,
		TenantID:          tenantID,
		Domain:            hostname,
		Status:            domain.DomainPending,
		VerificationToken: token,
		VerificationType:  domain.VerificationTypeDNSTXT,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.domains.CreateDomain(ctx, d); err != nil {
		// The unique index is the arbiter under races.
		if existing, lookupErr := s.domains.GetDomainByName(ctx, hostname); lookupErr == nil && existing.TenantID != tenantID {
			return AttachResult{}, domain.E(domain.CodeDomainTaken, "domain %s is already claimed", hostname)
		}
		return AttachResult{}, domain.Wrap(domain.CodeStorage, err, "create domain %s", hostname)
	}
	s.logger.Info("domain attached", "site_id", siteID, "domain", hostname)
	return AttachResult{Domain: d, Challenge: s.challengeFor(d)}, nil
}

// VerifyDomain checks the published challenge record. A hit verifies the
// domain and binds it at the provider when a live deployment exists. A miss
// or mismatch counts an attempt and stays pending until the challenge
// window closes, after which the domain fails and must be re-attached.
func (s Service) VerifyDomain(ctx context.Context, tenantID, siteID string) (*domain.CustomDomain, error) {
	unlock, err := s.lockSite(ctx, siteID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.loadSite(ctx, tenantID, siteID); err != nil {
		return nil, err
	}
	d, err := s.domains.GetDomainBySite(ctx, siteID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.E(domain.CodeNotFound, "site %s has no custom domain", siteID)
		}
		return nil, domain.Wrap(domain.CodeStorage, err, "load domain for site %s", siteID)
	}
	if d.Status == domain.DomainVerified {
		return d, nil
	}
	if d.Status == domain.DomainFailed {
		return d, domain.E(domain.CodeVerificationExpired, "verification for %s has expired, re-attach the domain", d.Domain)
	}

	if time.Since(d.CreatedAt) > s.cfg.DomainVerifyExpiry {
		update := domain.DomainStatusUpdate{DomainID: d.ID, Status: domain.DomainFailed, Attempts: d.Attempts}
		if err := s.domains.UpdateDomainStatus(ctx, update); err != nil {
			return nil, domain.Wrap(domain.CodeStorage, err, "expire domain %s", d.Domain)
		}
		d.Status = domain.DomainFailed
		s.publishEvent(siteID, "domain", d.ID, string(domain.DomainFailed), "challenge window expired")
		return d, domain.E(domain.CodeVerificationExpired, "verification for %s has expired, re-attach the domain", d.Domain)
	}

	verifyErr := s.verifier.Verify(ctx, d.Domain, d.VerificationToken)
	if verifyErr != nil {
		d.Attempts++
		update := domain.DomainStatusUpdate{DomainID: d.ID, Status: domain.DomainPending, Attempts: d.Attempts}
		if err := s.domains.UpdateDomainStatus(ctx, update); err != nil {
			return nil, domain.Wrap(domain.CodeStorage, err, "record verification attempt")
		}
		reason := "challenge record not found"
		if errors.Is(verifyErr, dnschallenge.ErrTokenMismatch) {
			reason = "challenge record does not match"
		}
		s.logger.Info("domain verification pending", "domain", d.Domain, "attempts", d.Attempts, "reason", reason)
		return d, domain.E(domain.CodeVerificationPending, "%s for %s", reason, d.Domain)
	}

	now := time.Now().UTC()
	update := domain.DomainStatusUpdate{DomainID: d.ID, Status: domain.DomainVerified, Attempts: d.Attempts, VerifiedAt: &now}
	if err := s.domains.UpdateDomainStatus(ctx, update); err != nil {
		return nil, domain.Wrap(domain.CodeStorage, err, "mark domain verified")
	}
	d.Status = domain.DomainVerified
	d.VerifiedAt = &now
	s.publishEvent(siteID, "domain", d.ID, string(domain.DomainVerified), d.Domain)
	s.logger.Info("domain verified", "site_id", siteID, "domain", d.Domain)

	// Binding is provider-side; verification does not wait on it.
	if live, err := s.deployments.GetDeployedDeployment(ctx, siteID); err == nil {
		if err := s.provider.BindDomain(ctx, live.ProviderAppRef, d.Domain); err != nil {
			s.logger.Warn("domain bind failed", "site_id", siteID, "domain", d.Domain, "error", err)
		}
	}
	return d, nil
}

// ListDomains returns the domains attached to a tenant's site.
func (s Service) ListDomains(ctx context.Context, tenantID, siteID string) ([]domain.CustomDomain, error) {
	if _, err := s.loadSite(ctx, tenantID, siteID); err != nil {
		return nil, err
	}
	ds, err := s.domains.ListDomainsBySite(ctx, siteID)
	if err != nil {
		return nil, domain.Wrap(domain.CodeStorage, err, "list domains")
	}
	return ds, nil
}

func (s Service) challengeFor(d *domain.CustomDomain) domain.DNSChallenge {
	return domain.DNSChallenge{
		Name:  dnschallenge.RecordName(s.cfg.ChallengePrefix, d.Domain),
		Value: d.VerificationToken,
	}
}
