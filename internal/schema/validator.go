// Package schema checks the outer shape of documents the gateway builds or
// receives before they go anywhere near the authority. Individual ITR fields
// are the authority's business; only the envelope fields are enforced here.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	errordefs "github.com/erilink/eri-gateway/internal/errors"
	"github.com/erilink/eri-gateway/internal/metrics"
)

// Schema names.
const (
	ITRPayload = "eri.itr.payload"
	Prefill    = "eri.prefill.normalized"
)

// SchemaVersions maps schema names to the version enforced.
var SchemaVersions = map[string]string{
	ITRPayload: "1.0.0",
	Prefill:    "1.0.0",
}

const itrPayloadSchema = `{
  "type": "object",
  "required": ["itrType", "assessmentYear", "filingType"],
  "properties": {
    "itrType": {"type": "string", "enum": ["ITR-1", "ITR-2", "ITR-3", "ITR-4", "ITR-5", "ITR-6", "ITR-7"]},
    "assessmentYear": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}$"},
    "filingType": {"type": "string", "enum": ["ORIGINAL", "REVISED", "BELATED"]}
  }
}`

const prefillSchema = `{
  "type": "object",
  "required": ["personalInfo", "salaryIncome", "houseProperty", "capitalGains", "otherSources", "deductions", "taxDetails"],
  "properties": {
    "personalInfo": {"type": "object"},
    "salaryIncome": {"type": "object"},
    "houseProperty": {"type": "object"},
    "capitalGains": {"type": "object"},
    "otherSources": {"type": "object"},
    "deductions": {"type": "object"},
    "taxDetails": {"type": "object"}
  }
}`

// Validator validates documents against compiled JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
	metrics *metrics.Metrics
}

// NewValidator compiles every known schema.
func NewValidator() (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]*gojsonschema.Schema),
		metrics: metrics.NewMetrics(),
	}
	for name, src := range map[string]string{ITRPayload: itrPayloadSchema, Prefill: prefillSchema} {
		if err := v.loadSchema(name, src); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (v *Validator) loadSchema(name, schemaJSON string) error {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", name, err)
	}
	v.schemas[name] = s
	return nil
}

// Validate checks doc against the named schema and returns the schema version
// used. A document that does not conform yields ERI_VALIDATION with one detail
// string per violation.
func (v *Validator) Validate(name string, doc map[string]any) (string, error) {
	start := time.Now()
	version, err := v.validate(name, doc)
	status := metrics.Status(err)
	v.metrics.SchemaValidationTotal.WithLabelValues(name, status).Inc()
	v.metrics.SchemaValidationDuration.WithLabelValues(name, status).Observe(time.Since(start).Seconds())
	return version, err
}

func (v *Validator) validate(name string, doc map[string]any) (string, error) {
	s, ok := v.schemas[name]
	if !ok {
		return "", errordefs.New(errordefs.ERI_INTERNAL, "unknown schema: "+name, "")
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return "", errordefs.Wrap(errordefs.ERI_VALIDATION, "document is not encodable", err)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(b))
	if err != nil {
		return "", errordefs.Wrap(errordefs.ERI_VALIDATION, "validation error", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return "", errordefs.NewWithDetails(errordefs.ERI_VALIDATION,
			"validation failed: "+strings.Join(errs, "; "), "", errs)
	}
	return SchemaVersions[name], nil
}
