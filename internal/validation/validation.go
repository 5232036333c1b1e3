// Package validation holds the pure business-rule checks run against a
// delta merged onto its mirror baseline. No I/O; every rule violation is
// collected so the caller can surface all problems in one pass.
package validation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coreplane/mirrorsync/internal/merge"
	"github.com/coreplane/mirrorsync/internal/types"
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface for single-rule reporting.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// Enumerated field values.
var (
	statusValues       = []string{"planned", "active", "retired"}
	billingModelValues = []string{"recurring", "one_time"}
	conditionValues    = []string{"new", "used", "refurbished"}
)

// datePairs lists every paired date range that must satisfy start <= end.
var datePairs = [][2]string{
	{"forecastStart", "forecastEnd"},
	{"actualStart", "actualEnd"},
	{"contractStart", "contractEnd"},
}

// actualizedLocked lists the fields that are frozen once a record is
// marked actualized.
var actualizedLocked = []string{"actualStart", "actualEnd", "billingModel", "purchasePrice"}

// numericFields lists the fields coerced from numeric strings on save.
var numericFields = map[string]bool{
	"monthlyRate":   true,
	"purchasePrice": true,
	"quantity":      true,
}

// Sanitize normalizes a delta before validation and storage: string
// values are trimmed and numeric-string values of numeric fields are
// coerced to numbers. Returns a new map; the input is not mutated.
func Sanitize(delta types.FieldMap) types.FieldMap {
	out := make(types.FieldMap, len(delta))
	for k, v := range delta {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		s = strings.TrimSpace(s)
		if numericFields[k] && s != "" {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				out[k] = f
				continue
			}
		}
		out[k] = s
	}
	return out
}

// ValidateModification runs every rule category against the delta merged
// onto its baseline and returns the complete list of violations.
func ValidateModification(baseline, delta types.FieldMap) []ValidationError {
	merged := merge.Merge(baseline, delta)

	var c Collector
	validateDateOrdering(&c, merged)
	validateBillingModel(&c, merged)
	validateEnums(&c, merged)
	validateActualizedLock(&c, baseline, delta)
	return c.Errors()
}

// validateDateOrdering checks start <= end for every paired date range
// present in the merged view.
func validateDateOrdering(c *Collector, merged types.FieldMap) {
	for _, pair := range datePairs {
		start, startOK := parseDate(merged[pair[0]])
		end, endOK := parseDate(merged[pair[1]])
		if !startOK || !endOK {
			continue
		}
		if start.After(end) {
			c.Add(&ValidationError{
				Field:   pair[0],
				Message: fmt.Sprintf("must not be after %s", pair[1]),
			})
		}
	}
}

// validateBillingModel enforces the source-conditional required fields:
// recurring records need a monthly rate, one-time records a purchase
// price, and the two prices are mutually exclusive.
func validateBillingModel(c *Collector, merged types.FieldMap) {
	model, ok := merged["billingModel"].(string)
	if !ok || model == "" {
		return
	}

	_, hasRate := merged["monthlyRate"]
	_, hasPrice := merged["purchasePrice"]

	switch model {
	case "recurring":
		if !hasRate {
			c.Add(&ValidationError{Field: "monthlyRate", Message: "is required for recurring billing"})
		}
		if hasPrice {
			c.Add(&ValidationError{Field: "purchasePrice", Message: "must not be set for recurring billing"})
		}
	case "one_time":
		if !hasPrice {
			c.Add(&ValidationError{Field: "purchasePrice", Message: "is required for one-time billing"})
		}
		if hasRate {
			c.Add(&ValidationError{Field: "monthlyRate", Message: "must not be set for one-time billing"})
		}
	}
}

// validateEnums checks that enumerated fields hold one of their fixed values.
func validateEnums(c *Collector, merged types.FieldMap) {
	c.Add(validateEnumField(merged, "status", statusValues))
	c.Add(validateEnumField(merged, "billingModel", billingModelValues))
	c.Add(validateEnumField(merged, "condition", conditionValues))
}

func validateEnumField(merged types.FieldMap, field string, allowed []string) *ValidationError {
	v, present := merged[field]
	if !present {
		return nil
	}
	s, ok := v.(string)
	if ok {
		for _, a := range allowed {
			if s == a {
				return nil
			}
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// validateActualizedLock rejects edits to locked fields once the baseline
// is marked actualized. The lock applies to the baseline flag: a delta
// cannot both actualize a record and rewrite its locked fields either.
func validateActualizedLock(c *Collector, baseline, delta types.FieldMap) {
	actualized := isTrue(baseline["actualized"]) || isTrue(delta["actualized"])
	if !actualized {
		return
	}
	baselineActualized := isTrue(baseline["actualized"])

	for _, field := range actualizedLocked {
		v, touched := delta[field]
		if !touched {
			continue
		}
		if baselineActualized {
			c.Add(&ValidationError{Field: field, Message: "is locked on an actualized record"})
			continue
		}
		// Actualizing in this delta: locked fields may be set, not cleared.
		if v == nil {
			c.Add(&ValidationError{Field: field, Message: "must not be cleared when actualizing"})
		}
	}
}

func isTrue(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// parseDate accepts the date formats the external system emits.
func parseDate(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
