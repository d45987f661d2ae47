package domain

import "time"

// DomainStatus enumerates custom domain verification states.
type DomainStatus string

const (
	DomainPending  DomainStatus = "pending"
	DomainVerified DomainStatus = "verified"
	DomainFailed   DomainStatus = "failed"
)

// VerificationTypeDNSTXT is the only challenge type currently issued.
const VerificationTypeDNSTXT = "dns-txt"

// CustomDomain is a hostname attached to a site, subject to ownership
// verification before it may be handed to the provider for TLS issuance.
// The verification token is stable until the domain is re-attached.
type CustomDomain struct {
	ID                string
	SiteID            string
	TenantID          string
	Domain            string
	Status            DomainStatus
	VerificationToken string
	VerificationType  string
	Attempts          int
	VerifiedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DomainStatusUpdate captures the mutable fields of a custom domain.
type DomainStatusUpdate struct {
	DomainID   string
	Status     DomainStatus
	Attempts   int
	VerifiedAt *time.Time
}

// DNSChallenge is the TXT record the domain owner must publish.
type DNSChallenge struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}
