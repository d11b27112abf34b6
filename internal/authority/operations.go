package authority

import (
	"context"
	"fmt"
	"time"

	"github.com/erilink/eri-gateway/internal/envelope"
	"github.com/erilink/eri-gateway/internal/session"
)

// Operation names an authority call in metrics and the audit trail.
type Operation string

const (
	OpLogin                  Operation = "ERI_LOGIN"
	OpLogout                 Operation = "ERI_LOGOUT"
	OpAddClient              Operation = "ADD_CLIENT"
	OpValidateClientOTP      Operation = "VALIDATE_CLIENT_OTP"
	OpRequestPrefillOTP      Operation = "REQUEST_PREFILL_OTP"
	OpGetPrefill             Operation = "GET_PREFILL"
	OpValidateITR            Operation = "VALIDATE_ITR"
	OpSubmitITR              Operation = "SUBMIT_ITR"
	OpUpdateVerificationMode Operation = "UPDATE_VERIFICATION_MODE"
	OpGenerateEVC            Operation = "GENERATE_EVC"
	OpVerifyEVC              Operation = "VERIFY_EVC"
	OpGetAcknowledgement     Operation = "GET_ACKNOWLEDGEMENT"
)

var paths = map[Operation]string{
	OpLogin:                  "/api/eriLogin",
	OpLogout:                 "/api/eriLogout",
	OpAddClient:              "/api/eriAddClient",
	OpValidateClientOTP:      "/api/eriValidateClientOTP",
	OpRequestPrefillOTP:      "/api/eriRequestPrefillOTP",
	OpGetPrefill:             "/api/eriGetPrefill",
	OpValidateITR:            "/api/eriValidateItr",
	OpSubmitITR:              "/api/eriSubmitItr",
	OpUpdateVerificationMode: "/api/eriUpdateVerMode",
	OpGenerateEVC:            "/api/eriGenerateEVC",
	OpVerifyEVC:              "/api/eriVerifyEVC",
	OpGetAcknowledgement:     "/api/eriGetAcknowledgement",
}

// Path is the endpoint path of op, relative to the configured base URL.
func (op Operation) Path() string { return paths[op] }

// Login authenticates the tenant and caches the token for SessionTTL.
func (c *Client) Login(ctx context.Context) envelope.Result {
	res := c.do(ctx, request{
		op:      OpLogin,
		payload: map[string]any{},
		audited: map[string]any{},
		public:  true,
		mock: func(now time.Time) map[string]any {
			return map[string]any{
				"messages":  []any{"Login successful (mock)"},
				"authToken": fmt.Sprintf("mock-auth-token-%d", now.UnixMilli()),
			}
		},
	})
	if res.OK && res.AuthToken != "" {
		c.deps.Sessions.Put(ctx, c.tenantID, session.Session{
			AuthToken: res.AuthToken,
			ExpiresAt: c.deps.Now().Add(SessionTTL),
		}, SessionTTL)
	}
	return res
}

// Logout drops the cached session first, then tells the authority. A tenant
// without a cached session is already logged out.
func (c *Client) Logout(ctx context.Context) envelope.Result {
	var token string
	if s, ok := c.deps.Sessions.Get(ctx, c.tenantID); ok {
		token = s.AuthToken
	}
	c.deps.Sessions.Clear(ctx, c.tenantID)

	if token == "" && !c.cfg.MockMode {
		return envelope.ParseResponse(map[string]any{"messages": []any{"No active session"}})
	}
	return c.do(ctx, request{
		op:      OpLogout,
		payload: map[string]any{},
		audited: map[string]any{},
		token:   token,
		public:  true,
		mock: func(time.Time) map[string]any {
			return map[string]any{"messages": []any{"Logout successful (mock)"}}
		},
	})
}

// AddClient starts linking a taxpayer; the authority sends them an OTP.
func (c *Client) AddClient(ctx context.Context, pan, dob string) envelope.Result {
	return c.do(ctx, request{
		op:      OpAddClient,
		payload: map[string]any{"pan": pan, "dob": dob},
		audited: map[string]any{"pan": maskedPAN, "dob": dob},
		mock: func(now time.Time) map[string]any {
			return map[string]any{
				"messages":      []any{"OTP sent to registered mobile (mock)"},
				"transactionId": fmt.Sprintf("MOCK_TXN_%d", now.UnixMilli()),
			}
		},
	})
}

// ValidateClientOTP completes taxpayer linkage.
func (c *Client) ValidateClientOTP(ctx context.Context, pan, otp string) envelope.Result {
	return c.do(ctx, request{
		op:      OpValidateClientOTP,
		payload: map[string]any{"pan": pan, "otp": otp},
		audited: map[string]any{"pan": maskedPAN, "otp": maskedOTP},
		mock: func(time.Time) map[string]any {
			return map[string]any{"messages": []any{"Client linked successfully (mock)"}}
		},
	})
}

// RequestPrefillOTP asks the authority to send a prefill consent OTP.
func (c *Client) RequestPrefillOTP(ctx context.Context, pan, assessmentYear string) envelope.Result {
	return c.do(ctx, request{
		op:      OpRequestPrefillOTP,
		payload: map[string]any{"pan": pan, "assessmentYear": assessmentYear},
		audited: map[string]any{"pan": maskedPAN, "assessmentYear": assessmentYear},
		mock: func(now time.Time) map[string]any {
			return map[string]any{
				"messages":      []any{"Prefill OTP sent (mock)"},
				"transactionId": fmt.Sprintf("PREFILL_TXN_%d", now.UnixMilli()),
			}
		},
	})
}

// GetPrefill downloads prefill data using the consent OTP.
func (c *Client) GetPrefill(ctx context.Context, pan, assessmentYear, otp string) envelope.Result {
	return c.do(ctx, request{
		op:      OpGetPrefill,
		payload: map[string]any{"pan": pan, "assessmentYear": assessmentYear, "otp": otp},
		audited: map[string]any{"pan": maskedPAN, "assessmentYear": assessmentYear, "otp": maskedOTP},
		mock: func(time.Time) map[string]any {
			return map[string]any{
				"messages": []any{"Prefill data fetched (mock)"},
				"prefillData": map[string]any{
					"personalInfo": map[string]any{
						"name":   "John Doe",
						"pan":    pan,
						"mobile": "+91-9876543210",
					},
					"salaryIncome": map[string]any{
						"employer": "ABC Corp",
						"salary":   1200000.0,
						"tds":      120000.0,
					},
					"houseProperty": map[string]any{
						"address": "123 Main St",
						"rent":    240000.0,
					},
				},
			}
		},
	})
}

// ValidateITR asks the authority to validate a built return payload.
func (c *Client) ValidateITR(ctx context.Context, payload map[string]any) envelope.Result {
	return c.do(ctx, request{
		op:      OpValidateITR,
		payload: payload,
		audited: map[string]any{"itrType": payload["itrType"]},
		mock: func(time.Time) map[string]any {
			return map[string]any{"messages": []any{"Return validation successful (mock)"}}
		},
	})
}

// SubmitITR files a validated return. It is never retried here.
func (c *Client) SubmitITR(ctx context.Context, payload map[string]any) envelope.Result {
	return c.do(ctx, request{
		op:      OpSubmitITR,
		payload: payload,
		audited: map[string]any{"itrType": payload["itrType"]},
		mock: func(now time.Time) map[string]any {
			now = now.UTC()
			return map[string]any{
				"messages":              []any{"Return submitted successfully (mock)"},
				"arn":                   fmt.Sprintf("ARN-%d-%s", now.UnixMilli(), now.Format("20060102")),
				"acknowledgementNumber": fmt.Sprintf("ACK%d", now.UnixMilli()),
				"filedDate":             now.Format(time.RFC3339),
			}
		},
	})
}

// UpdateVerificationMode tells the authority how the return will be verified.
func (c *Client) UpdateVerificationMode(ctx context.Context, pan, assessmentYear, mode string) envelope.Result {
	return c.do(ctx, request{
		op:      OpUpdateVerificationMode,
		payload: map[string]any{"pan": pan, "assessmentYear": assessmentYear, "verificationMode": mode},
		audited: map[string]any{"pan": maskedPAN, "assessmentYear": assessmentYear, "mode": mode},
		mock: func(time.Time) map[string]any {
			return map[string]any{"messages": []any{"Verification mode updated (mock)"}}
		},
	})
}

// GenerateEVC requests an electronic verification code.
func (c *Client) GenerateEVC(ctx context.Context, pan, assessmentYear, evcMode string) envelope.Result {
	return c.do(ctx, request{
		op:      OpGenerateEVC,
		payload: map[string]any{"pan": pan, "assessmentYear": assessmentYear, "evcMode": evcMode},
		audited: map[string]any{"pan": maskedPAN, "assessmentYear": assessmentYear, "evcMode": evcMode},
		mock: func(now time.Time) map[string]any {
			return map[string]any{
				"messages":      []any{"EVC sent to registered mobile/email (mock)"},
				"transactionId": fmt.Sprintf("EVC_TXN_%d", now.UnixMilli()),
			}
		},
	})
}

// VerifyEVC submits the code the taxpayer received.
func (c *Client) VerifyEVC(ctx context.Context, pan, assessmentYear, otp string) envelope.Result {
	return c.do(ctx, request{
		op:      OpVerifyEVC,
		payload: map[string]any{"pan": pan, "assessmentYear": assessmentYear, "otp": otp},
		audited: map[string]any{"pan": maskedPAN, "assessmentYear": assessmentYear, "otp": maskedOTP},
		mock: func(now time.Time) map[string]any {
			return map[string]any{
				"messages":     []any{"Return verified successfully (mock)"},
				"verifiedDate": now.UTC().Format(time.RFC3339),
			}
		},
	})
}

// mockAcknowledgementPDF is a minimal PDF header, base64-encoded.
const mockAcknowledgementPDF = "JVBERi0xLjQKJeLjz9MKMyAwIG9iag=="

// GetAcknowledgement downloads the ITR-V for a filed return.
func (c *Client) GetAcknowledgement(ctx context.Context, pan, assessmentYear, arn string) envelope.Result {
	return c.do(ctx, request{
		op:      OpGetAcknowledgement,
		payload: map[string]any{"pan": pan, "assessmentYear": assessmentYear, "arn": arn},
		audited: map[string]any{"pan": maskedPAN, "assessmentYear": assessmentYear, "arn": arn},
		mock: func(time.Time) map[string]any {
			return map[string]any{
				"messages":           []any{"Acknowledgement downloaded (mock)"},
				"acknowledgementPdf": mockAcknowledgementPDF,
				"fileSize":           25600.0,
			}
		},
	})
}
