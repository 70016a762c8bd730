package model

import (
	"time"

	"github.com/google/uuid"
)

// ServiceAgreement is the billing and authentication principal.
type ServiceAgreement struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	APIKeyHash     string    `json:"-"`
	OverdraftLimit Tokens    `json:"overdraftLimit"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Operations recorded as API calls.
const (
	OpSubmitEvidence     = "submit_evidence"
	OpRequestCertificate = "request_certificate"
	OpGetStatistics      = "get_statistics"
)

// APICall records one authenticated call for statistics.
type APICall struct {
	ServiceAgreementID uuid.UUID `json:"serviceAgreementId"`
	Operation          string    `json:"operation"`
	At                 time.Time `json:"at"`
}
