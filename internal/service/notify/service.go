package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"log/slog"

	"github.com/merfy/sitehost/internal/domain"
	"github.com/merfy/sitehost/internal/repository"
	"github.com/merfy/sitehost/internal/service/fragment"
	"github.com/merfy/sitehost/pkg/config"
	"github.com/merfy/sitehost/pkg/crypto"
)

// ProductChange is the notification body sent by the catalog service.
type ProductChange struct {
	SiteID    string   `json:"site_id"`
	ProductID string   `json:"product_id"`
	Fields    []string `json:"fields,omitempty"`
}

// Service verifies product-change notifications and applies fragment
// patches to the published site they target.
type Service struct {
	secrets  repository.NotifySecretRepository
	sites    repository.SiteRepository
	fragment fragment.Service
	logger   *slog.Logger
	cfg      config.APIConfig
}

// New constructs a notify service.
func New(secrets repository.NotifySecretRepository, sites repository.SiteRepository, frag fragment.Service, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{secrets: secrets, sites: sites, fragment: frag, logger: logger, cfg: cfg}
}

// UpsertSecret stores the shared HMAC secret for a site, encrypted at rest.
func (s Service) UpsertSecret(ctx context.Context, siteID, secret string) error {
	value := strings.TrimSpace(secret)
	if value == "" {
		return domain.E(domain.CodeInvalidState, "secret is required")
	}
	payload, err := crypto.EncryptString(s.cfg.NotifyEncryptKey, value)
	if err != nil {
		return domain.Wrap(domain.CodeInternal, err, "encrypt notify secret")
	}
	return s.secrets.UpsertNotifySecret(ctx, siteID, payload)
}

// ValidateSignature checks the hex HMAC-SHA256 signature over payload.
func (s Service) ValidateSignature(payload, secret []byte, provided string) error {
	if provided == "" {
		return errors.New("missing notification signature")
	}
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return errors.New("invalid notification signature")
	}
	return nil
}

// CheckSignature loads the site's secret and verifies the payload signature.
func (s Service) CheckSignature(ctx context.Context, siteID string, payload []byte, provided string) error {
	secret, err := s.secrets.GetNotifySecret(ctx, siteID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.E(domain.CodeNotFound, "no notification secret for site %s", siteID)
		}
		return domain.Wrap(domain.CodeStorage, err, "load notify secret")
	}
	raw, err := crypto.DecryptToString(s.cfg.NotifyEncryptKey, secret)
	if err != nil {
		return domain.Wrap(domain.CodeInternal, err, "decrypt notify secret")
	}
	return s.ValidateSignature(payload, []byte(raw), provided)
}

// HandleProductChange patches the fragments of the targeted site. Sites that
// are not currently published are acknowledged and skipped; the next full
// build will pick up the change anyway.
func (s Service) HandleProductChange(ctx context.Context, change ProductChange) (fragment.PatchResult, error) {
	site, err := s.sites.GetSiteByID(ctx, change.SiteID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fragment.PatchResult{}, domain.E(domain.CodeNotFound, "site %s not found", change.SiteID)
		}
		return fragment.PatchResult{}, domain.Wrap(domain.CodeStorage, err, "load site %s", change.SiteID)
	}
	if site.Status != domain.SitePublished {
		s.logger.Info("product change ignored, site not published", "site_id", site.ID, "status", site.Status)
		return fragment.PatchResult{}, nil
	}

	result, err := s.fragment.Patch(ctx, site.ID)
	if err != nil {
		return result, err
	}
	s.logger.Info("fragments patched", "site_id", site.ID, "product_id", change.ProductID,
		"updated", len(result.Updated), "skipped", len(result.Skipped))
	return result, nil
}
