// Package model defines the data structures used throughout the ERI gateway.
// These structures represent returns and their versions, verification and
// acknowledgement records, taxpayers, prefill data and audit entries.
package model

import (
	"time"
)

// ReturnStatus is the lifecycle position of a return.
type ReturnStatus string

const (
	StatusDraft            ReturnStatus = "DRAFT"
	StatusValidating       ReturnStatus = "VALIDATING"
	StatusValidationFailed ReturnStatus = "VALIDATION_FAILED"
	StatusValidated        ReturnStatus = "VALIDATED"
	StatusSubmitting       ReturnStatus = "SUBMITTING"
	StatusSubmitted        ReturnStatus = "SUBMITTED"
	StatusVerifying        ReturnStatus = "VERIFYING"
	StatusVerified         ReturnStatus = "VERIFIED"
	StatusAcknowledged     ReturnStatus = "ACKNOWLEDGED"
	StatusFailed           ReturnStatus = "FAILED"
)

// VerificationMode is how the taxpayer verifies a filed return.
type VerificationMode string

const (
	VerifyLater      VerificationMode = "LATER"
	VerifyITRV       VerificationMode = "ITRV"
	VerifyAadhaarOTP VerificationMode = "AADHAAR_OTP"
	VerifyBankEVC    VerificationMode = "BANK_EVC"
	VerifyDematEVC   VerificationMode = "DEMAT_EVC"
)

// Valid reports whether m is a known mode.
func (m VerificationMode) Valid() bool {
	switch m {
	case VerifyLater, VerifyITRV, VerifyAadhaarOTP, VerifyBankEVC, VerifyDematEVC:
		return true
	}
	return false
}

// Caller identifies who is acting: the tenant whose records are touched and
// the end user, taken from the request's bearer token.
type Caller struct {
	TenantID string
	UserID   string
}

// DefaultReturnType is used when a return is created without one.
const DefaultReturnType = "ITR-2"

// Return is one filing intent for a taxpayer and assessment year.
// Status is the single source of truth for which operations are legal.
// This corresponds to the returns table in storage.
type Return struct {
	ID                    string       `json:"id" db:"id"`                                                 // ULID
	TenantID              string       `json:"tenantId" db:"tenant_id"`                                    // Owning tenant
	TaxpayerID            string       `json:"taxpayerId" db:"taxpayer_id"`                                // Filing taxpayer
	AssessmentYear        string       `json:"assessmentYear" db:"assessment_year"`                        // e.g. 2024-25
	ReturnType            string       `json:"returnType" db:"return_type"`                                // e.g. ITR-2
	Status                ReturnStatus `json:"status" db:"status"`                                         // Lifecycle position
	ARNNumber             string       `json:"arnNumber,omitempty" db:"arn_number"`                        // Set on submission
	AcknowledgementNumber string       `json:"acknowledgementNumber,omitempty" db:"acknowledgement_number"` // Set on submission
	FiledDate             *time.Time   `json:"filedDate,omitempty" db:"filed_date"`                        // Set on submission
	LastValidatedAt       *time.Time   `json:"lastValidatedAt,omitempty" db:"last_validated_at"`           // Last successful validation
	ValidationErrors      []string     `json:"validationErrors,omitempty" db:"validation_errors"`          // Last failed validation
	CreatedBy             string       `json:"createdBy" db:"created_by"`                                  // User that created the return
	Revision              int64        `json:"revision" db:"revision"`                                     // Bumped on every transition
	CreatedAt             time.Time    `json:"createdAt" db:"created_at"`
	UpdatedAt             time.Time    `json:"updatedAt" db:"updated_at"`
}

// ReturnVersion is an append-only draft snapshot. The highest version wins.
// This corresponds to the return_versions table in storage.
type ReturnVersion struct {
	ReturnID   string         `json:"returnId" db:"return_id"`
	Version    int            `json:"version" db:"version"`                   // 1-based, monotonic per return
	LocalData  map[string]any `json:"localData" db:"local_data"`              // User-edited draft
	ITRPayload map[string]any `json:"itrPayload,omitempty" db:"itr_payload"` // Authority-shaped payload
	Notes      string         `json:"notes,omitempty" db:"notes"`
	CreatedAt  time.Time      `json:"createdAt" db:"created_at"`
}

// Verification tracks e-verification of a submitted return. One per return.
// This corresponds to the verifications table in storage.
type Verification struct {
	ReturnID     string           `json:"returnId" db:"return_id"`
	Mode         VerificationMode `json:"mode" db:"mode"`
	EVCToken     string           `json:"evcToken,omitempty" db:"evc_token"`           // Authority transaction id for the EVC
	EVCExpiresAt *time.Time       `json:"evcExpiresAt,omitempty" db:"evc_expires_at"` // EVC validity
	EVCAttempts  int              `json:"evcAttempts" db:"evc_attempts"`               // Failed verify calls since last generate
	IsVerified   bool             `json:"isVerified" db:"is_verified"`
	VerifiedAt   *time.Time       `json:"verifiedAt,omitempty" db:"verified_at"`
	CreatedAt    time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time        `json:"updatedAt" db:"updated_at"`
}

// Acknowledgement points at the stored ITR-V document. At most one per return.
// This corresponds to the acknowledgements table in storage.
type Acknowledgement struct {
	ReturnID       string     `json:"returnId" db:"return_id"`
	StorageKey     string     `json:"storageKey" db:"storage_key"`
	StorageBucket  string     `json:"storageBucket" db:"storage_bucket"`
	FileSize       int64      `json:"fileSize" db:"file_size"`
	DownloadCount  int        `json:"downloadCount" db:"download_count"`
	LastDownloadAt *time.Time `json:"lastDownloadAt,omitempty" db:"last_download_at"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
}

// Taxpayer holds encrypted identifiers; plaintext PAN and DOB are never stored.
// This corresponds to the taxpayers table in storage.
type Taxpayer struct {
	ID            string     `json:"id" db:"id"`
	TenantID      string     `json:"tenantId" db:"tenant_id"`
	FirstName     string     `json:"firstName" db:"first_name"`
	LastName      string     `json:"lastName" db:"last_name"`
	Email         string     `json:"email,omitempty" db:"email"`
	Mobile        string     `json:"mobile,omitempty" db:"mobile"`
	PANHash       string     `json:"-" db:"pan_hash"` // SHA-256 of the PAN, unique per tenant
	PANCiphertext []byte     `json:"-" db:"pan_enc"`
	DOBCiphertext []byte     `json:"-" db:"dob_enc"`
	IsLinked      bool       `json:"isLinked" db:"is_linked"`
	LinkedAt      *time.Time `json:"linkedAt,omitempty" db:"linked_at"`
	LinkageToken  string     `json:"-" db:"linkage_token"` // addClient transaction id
	CreatedBy     string     `json:"createdBy" db:"created_by"`
	CreatedAt     time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time  `json:"updatedAt" db:"updated_at"`
}

// TaxpayerView is a Taxpayer with decrypted, display-safe identifiers.
type TaxpayerView struct {
	Taxpayer
	PAN string `json:"pan"`           // Masked
	DOB string `json:"dob,omitempty"` // Only on single-record reads
}

// Prefill holds the authority's prefill data for one taxpayer and year.
// This corresponds to the prefill_data table in storage.
type Prefill struct {
	TenantID         string         `json:"tenantId" db:"tenant_id"`
	TaxpayerID       string         `json:"taxpayerId" db:"taxpayer_id"`
	AssessmentYear   string         `json:"assessmentYear" db:"assessment_year"`
	EncryptedPayload string         `json:"-" db:"encrypted_payload"` // Opaque authority blob, if sent
	NormalizedData   map[string]any `json:"normalizedData,omitempty" db:"normalized_data"`
	IsFetched        bool           `json:"isFetched" db:"is_fetched"`
	IsDecrypted      bool           `json:"isDecrypted" db:"is_decrypted"`
	OTPToken         string         `json:"-" db:"otp_token"`
	OTPExpiresAt     *time.Time     `json:"otpExpiresAt,omitempty" db:"otp_expires_at"`
	FetchedAt        *time.Time     `json:"fetchedAt,omitempty" db:"fetched_at"`
	CreatedAt        time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time      `json:"updatedAt" db:"updated_at"`
}

// AuditEntry records one authority call with sanitized payloads.
// This corresponds to the audit_entries table in storage.
type AuditEntry struct {
	ID             string         `json:"id" db:"id"`
	TenantID       string         `json:"tenantId" db:"tenant_id"`
	UserID         string         `json:"userId,omitempty" db:"user_id"`
	OperationType  string         `json:"operationType" db:"operation_type"` // e.g. SUBMIT_ITR
	Endpoint       string         `json:"endpoint" db:"endpoint"`
	RequestPayload map[string]any `json:"requestPayload" db:"request_payload"`
	ResponseStatus int            `json:"responseStatus" db:"response_status"` // HTTP status, 0 when no response
	ResponseBody   map[string]any `json:"responseBody" db:"response_body"`
	DurationMS     int64          `json:"durationMs" db:"duration_ms"`
	IsError        bool           `json:"isError" db:"is_error"`
	ErrorMessage   string         `json:"errorMessage,omitempty" db:"error_message"`
	ReferenceID    string         `json:"referenceId,omitempty" db:"reference_id"`     // Return or taxpayer id
	ReferenceType  string         `json:"referenceType,omitempty" db:"reference_type"` // RETURN or TAXPAYER
	CreatedAt      time.Time      `json:"createdAt" db:"created_at"`
}

// ReturnQuery filters return listings.
type ReturnQuery struct {
	TenantID       string
	TaxpayerID     string
	Status         ReturnStatus
	AssessmentYear string
	Page           int
	PageSize       int
}

// AuditQuery filters audit listings.
type AuditQuery struct {
	TenantID      string
	OperationType string
	IsError       *bool
	Since         time.Time
	Until         time.Time
	Page          int
	PageSize      int
}

// Page wraps a listing with paging information.
type Page[T any] struct {
	Data       []T `json:"data"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	TotalPages int `json:"totalPages"`
}

// NewPage computes TotalPages for a listing.
func NewPage[T any](data []T, total, page, pageSize int) Page[T] {
	if data == nil {
		data = []T{}
	}
	pages := 0
	if pageSize > 0 {
		pages = (total + pageSize - 1) / pageSize
	}
	return Page[T]{Data: data, Total: total, Page: page, PageSize: pageSize, TotalPages: pages}
}

// ReturnDetail is a return together with its dependent records.
type ReturnDetail struct {
	Return
	LatestVersion   *ReturnVersion   `json:"latestVersion,omitempty"`
	Verification    *Verification    `json:"verification,omitempty"`
	Acknowledgement *Acknowledgement `json:"acknowledgement,omitempty"`
}

// CreateReturnRequest is the body of POST /v1/returns.
type CreateReturnRequest struct {
	TaxpayerID     string `json:"taxpayerId"`
	AssessmentYear string `json:"assessmentYear"`
	ReturnType     string `json:"returnType,omitempty"`
}

// SaveDraftRequest is the body of PUT /v1/returns/{id}/draft.
type SaveDraftRequest struct {
	LocalData map[string]any `json:"localData"`
	Notes     string         `json:"notes,omitempty"`
}

// VerificationModeRequest is the body of POST /v1/returns/{id}/verification.
type VerificationModeRequest struct {
	Mode VerificationMode `json:"mode"`
}

// GenerateEVCRequest is the body of POST /v1/returns/{id}/evc/generate.
type GenerateEVCRequest struct {
	EVCMode string `json:"evcMode"` // AADHAAR_OTP, BANK_EVC or DEMAT_EVC
}

// OTPRequest carries a one-time password.
type OTPRequest struct {
	OTP string `json:"otp"`
}

// CreateTaxpayerRequest is the body of POST /v1/taxpayers.
type CreateTaxpayerRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	PAN       string `json:"pan"`
	DOB       string `json:"dob"` // YYYY-MM-DD
	Email     string `json:"email,omitempty"`
	Mobile    string `json:"mobile,omitempty"`
}

// PrefillRequest is the body of the prefill endpoints.
type PrefillRequest struct {
	AssessmentYear string `json:"assessmentYear"`
	OTP            string `json:"otp,omitempty"`
}
