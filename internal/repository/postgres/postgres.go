package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/merfy/sitehost/internal/domain"
	"github.com/merfy/sitehost/internal/repository"
)

// uniqueViolationCode is the Postgres error code for unique constraint hits.
const uniqueViolationCode = "23505"

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.SiteRepository         = (*Repository)(nil)
	_ repository.RevisionRepository     = (*Repository)(nil)
	_ repository.BuildRepository        = (*Repository)(nil)
	_ repository.DeploymentRepository   = (*Repository)(nil)
	_ repository.DomainRepository       = (*Repository)(nil)
	_ repository.NotifySecretRepository = (*Repository)(nil)
	_ repository.SiteLocker             = (*Repository)(nil)
)

// CreateSite inserts a site in draft.
func (r *Repository) CreateSite(ctx context.Context, site *domain.Site) error {
	const query = `INSERT INTO sites (id, tenant_id, name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, site.ID, site.TenantID, site.Name, site.Status, site.CreatedAt, site.UpdatedAt)
	return err
}

const siteColumns = `id, tenant_id, name, status, prev_status, current_revision_id,
	current_build_id, current_deployment_id, frozen_at, archived_at, created_at, updated_at`

func scanSite(row pgx.Row) (*domain.Site, error) {
	var s domain.Site
	if err := row.Scan(&s.ID, &s.TenantID, &s.Name, &s.Status, &s.PrevStatus, &s.CurrentRevisionID,
		&s.CurrentBuildID, &s.CurrentDeploymentID, &s.FrozenAt, &s.ArchivedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// GetSiteByID fetches a site by identifier.
func (r *Repository) GetSiteByID(ctx context.Context, siteID string) (*domain.Site, error) {
	const query = `SELECT ` + siteColumns + ` FROM sites WHERE id = $1`
	return scanSite(r.pool.QueryRow(ctx, query, siteID))
}

// UpdateSiteStatus applies a lifecycle transition.
func (r *Repository) UpdateSiteStatus(ctx context.Context, update domain.SiteStatusUpdate) error {
	const query = `UPDATE sites
		SET status = $2,
			prev_status = $3,
			current_build_id = COALESCE($4, current_build_id),
			current_deployment_id = COALESCE($5, current_deployment_id),
			frozen_at = $6,
			archived_at = COALESCE($7, archived_at),
			updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, update.SiteID, update.Status, update.PrevStatus,
		update.CurrentBuildID, update.CurrentDeploymentID, update.FrozenAt, update.ArchivedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetCurrentRevision points the site at its latest content snapshot.
func (r *Repository) SetCurrentRevision(ctx context.Context, siteID, revisionID string) error {
	const query = `UPDATE sites SET current_revision_id = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, siteID, revisionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetCurrentBuild marks the most recently requested build for the site.
func (r *Repository) SetCurrentBuild(ctx context.Context, siteID, buildID string) error {
	const query = `UPDATE sites SET current_build_id = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, siteID, buildID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetCurrentDeployment marks the live deployment for the site.
func (r *Repository) SetCurrentDeployment(ctx context.Context, siteID, deploymentID string) error {
	const query = `UPDATE sites SET current_deployment_id = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, siteID, deploymentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateRevision inserts an immutable content snapshot.
func (r *Repository) CreateRevision(ctx context.Context, revision *domain.Revision) error {
	const query = `INSERT INTO revisions (id, site_id, content, meta, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, revision.ID, revision.SiteID, revision.Content, revision.Meta, revision.CreatedAt)
	return err
}

// GetRevisionByID fetches a revision.
func (r *Repository) GetRevisionByID(ctx context.Context, revisionID string) (*domain.Revision, error) {
	const query = `SELECT id, site_id, content, meta, created_at FROM revisions WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, revisionID)
	var rev domain.Revision
	if err := row.Scan(&rev.ID, &rev.SiteID, &rev.Content, &rev.Meta, &rev.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &rev, nil
}

// CreateBuild inserts a build attempt.
func (r *Repository) CreateBuild(ctx context.Context, build *domain.Build) error {
	const query = `INSERT INTO builds (id, site_id, revision_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, build.ID, build.SiteID, build.RevisionID, build.Status, build.CreatedAt)
	return err
}

const buildColumns = `id, site_id, revision_id, status, COALESCE(artifact_bucket, ''),
	COALESCE(artifact_prefix, ''), COALESCE(log_url, ''), COALESCE(error, ''), created_at, completed_at`

func scanBuild(row pgx.Row) (*domain.Build, error) {
	var b domain.Build
	if err := row.Scan(&b.ID, &b.SiteID, &b.RevisionID, &b.Status, &b.ArtifactBucket,
		&b.ArtifactPrefix, &b.LogURL, &b.Error, &b.CreatedAt, &b.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

// UpdateBuildStatus applies a build state transition.
func (r *Repository) UpdateBuildStatus(ctx context.Context, update domain.BuildStatusUpdate) error {
	const query = `UPDATE builds
		SET status = $2,
			artifact_bucket = COALESCE(NULLIF($3, ''), artifact_bucket),
			artifact_prefix = COALESCE(NULLIF($4, ''), artifact_prefix),
			log_url = COALESCE(NULLIF($5, ''), log_url),
			error = COALESCE(NULLIF($6, ''), error),
			completed_at = COALESCE($7, completed_at)
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, update.BuildID, update.Status, update.ArtifactBucket,
		update.ArtifactPrefix, update.LogURL, update.Error, update.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetBuildByID fetches a build.
func (r *Repository) GetBuildByID(ctx context.Context, buildID string) (*domain.Build, error) {
	const query = `SELECT ` + buildColumns + ` FROM builds WHERE id = $1`
	return scanBuild(r.pool.QueryRow(ctx, query, buildID))
}

// GetActiveBuild returns the queued or running build for a site, if any.
func (r *Repository) GetActiveBuild(ctx context.Context, siteID string) (*domain.Build, error) {
	const query = `SELECT ` + buildColumns + ` FROM builds
		WHERE site_id = $1 AND status IN ('queued', 'running')
		ORDER BY created_at DESC LIMIT 1`
	return scanBuild(r.pool.QueryRow(ctx, query, siteID))
}

// ListBuildsBySite returns recent builds, newest first.
func (r *Repository) ListBuildsBySite(ctx context.Context, siteID string, limit int) ([]domain.Build, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT ` + buildColumns + ` FROM builds
		WHERE site_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, siteID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var builds []domain.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, *b)
	}
	return builds, rows.Err()
}

// CreateDeployment inserts a rollout record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, site_id, build_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, deployment.ID, deployment.SiteID, deployment.BuildID,
		deployment.Status, deployment.CreatedAt, deployment.UpdatedAt)
	return err
}

const deploymentColumns = `id, site_id, build_id, COALESCE(provider_app_ref, ''),
	COALESCE(provider_env_ref, ''), status, COALESCE(url, ''), COALESCE(error, ''), created_at, updated_at`

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.SiteID, &d.BuildID, &d.ProviderAppRef, &d.ProviderEnvRef,
		&d.Status, &d.URL, &d.Error, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// UpdateDeploymentStatus applies a rollout state transition.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments
		SET status = $2,
			provider_app_ref = COALESCE(NULLIF($3, ''), provider_app_ref),
			provider_env_ref = COALESCE(NULLIF($4, ''), provider_env_ref),
			url = COALESCE(NULLIF($5, ''), url),
			error = COALESCE(NULLIF($6, ''), error),
			updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, update.DeploymentID, update.Status,
		update.ProviderAppRef, update.ProviderEnvRef, update.URL, update.Error)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetDeploymentByID fetches a deployment.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	return scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
}

// GetDeployedDeployment returns the single live deployment for a site, if any.
func (r *Repository) GetDeployedDeployment(ctx context.Context, siteID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE site_id = $1 AND status = 'deployed'
		ORDER BY created_at DESC LIMIT 1`
	return scanDeployment(r.pool.QueryRow(ctx, query, siteID))
}

// ListDeploymentsBySite returns recent deployments, newest first.
func (r *Repository) ListDeploymentsBySite(ctx context.Context, siteID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE site_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, siteID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deployments []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// CreateDomain inserts a custom domain in pending.
func (r *Repository) CreateDomain(ctx context.Context, d *domain.CustomDomain) error {
	const query = `INSERT INTO custom_domains
		(id, site_id, tenant_id, domain, status, verification_token, verification_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query, d.ID, d.SiteID, d.TenantID, d.Domain, d.Status,
		d.VerificationToken, d.VerificationType, d.CreatedAt, d.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return repository.ErrConflict
	}
	return err
}

const domainColumns = `id, site_id, tenant_id, domain, status, verification_token,
	verification_type, attempts, verified_at, created_at, updated_at`

func scanDomain(row pgx.Row) (*domain.CustomDomain, error) {
	var d domain.CustomDomain
	if err := row.Scan(&d.ID, &d.SiteID, &d.TenantID, &d.Domain, &d.Status, &d.VerificationToken,
		&d.VerificationType, &d.Attempts, &d.VerifiedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// GetDomainByName fetches a domain by exact hostname, across tenants.
func (r *Repository) GetDomainByName(ctx context.Context, name string) (*domain.CustomDomain, error) {
	const query = `SELECT ` + domainColumns + ` FROM custom_domains WHERE domain = $1`
	return scanDomain(r.pool.QueryRow(ctx, query, name))
}

// GetDomainBySite returns the most recently attached domain for a site.
func (r *Repository) GetDomainBySite(ctx context.Context, siteID string) (*domain.CustomDomain, error) {
	const query = `SELECT ` + domainColumns + ` FROM custom_domains
		WHERE site_id = $1 ORDER BY created_at DESC LIMIT 1`
	return scanDomain(r.pool.QueryRow(ctx, query, siteID))
}

// GetVerifiedDomain returns the verified domain for a site, if any.
func (r *Repository) GetVerifiedDomain(ctx context.Context, siteID string) (*domain.CustomDomain, error) {
	const query = `SELECT ` + domainColumns + ` FROM custom_domains
		WHERE site_id = $1 AND status = 'verified'
		ORDER BY verified_at DESC LIMIT 1`
	return scanDomain(r.pool.QueryRow(ctx, query, siteID))
}

// UpdateDomainStatus applies a verification state transition.
func (r *Repository) UpdateDomainStatus(ctx context.Context, update domain.DomainStatusUpdate) error {
	const query = `UPDATE custom_domains
		SET status = $2, attempts = $3, verified_at = COALESCE($4, verified_at), updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, update.DomainID, update.Status, update.Attempts, update.VerifiedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ResetDomainToken regenerates the challenge on re-attachment.
func (r *Repository) ResetDomainToken(ctx context.Context, domainID, token string) error {
	const query = `UPDATE custom_domains
		SET verification_token = $2, status = 'pending', attempts = 0,
			verified_at = NULL, created_at = NOW(), updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, domainID, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListDomainsBySite returns domains attached to a site.
func (r *Repository) ListDomainsBySite(ctx context.Context, siteID string) ([]domain.CustomDomain, error) {
	const query = `SELECT ` + domainColumns + ` FROM custom_domains
		WHERE site_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var domains []domain.CustomDomain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		domains = append(domains, *d)
	}
	return domains, rows.Err()
}

// UpsertNotifySecret stores encrypted notification secret bytes.
func (r *Repository) UpsertNotifySecret(ctx context.Context, siteID string, secret []byte) error {
	const query = `INSERT INTO notify_secrets (site_id, secret, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (site_id) DO UPDATE SET secret = EXCLUDED.secret`
	_, err := r.pool.Exec(ctx, query, siteID, secret, time.Now().UTC())
	return err
}

// GetNotifySecret loads the encrypted notification secret for a site.
func (r *Repository) GetNotifySecret(ctx context.Context, siteID string) ([]byte, error) {
	const query = `SELECT secret FROM notify_secrets WHERE site_id = $1`
	row := r.pool.QueryRow(ctx, query, siteID)
	var secret []byte
	if err := row.Scan(&secret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return secret, nil
}
