// Package security implements the NovaBridge policy layer: the access gate,
// the inbound injection scanner, the outbound sanitizer, the sensitive
// resource deny-list and the network egress guard. Every rule set is a data
// table compiled once at construction and never narrowed at runtime.
package security

import (
	"errors"
	"fmt"
)

// Category labels an error for the principal-facing notice. Notices carry the
// category only, never the offending content.
type Category string

const (
	CategoryNone              Category = ""
	CategoryAccessDenied      Category = "access_denied"
	CategoryInjection         Category = "injection_detected"
	CategoryTimeout           Category = "timeout"
	CategoryProcessFailure    Category = "process_failure"
	CategoryMassMention       Category = "mass_mention"
	CategoryCredentialLeak    Category = "credential_leak"
	CategoryExfiltrationURL   Category = "exfiltration_url"
	CategoryUnlabeledCommand  Category = "unlabeled_command"
	CategorySensitiveResource Category = "sensitive_resource"
	CategoryEgressBlocked     Category = "egress_blocked"
	CategoryAbandoned         Category = "abandoned"
	CategoryBusy              Category = "busy"
	CategoryInternal          Category = "internal"
)

// Terminal reports whether an error of this category ends the turn without
// retry or partial delivery.
func (c Category) Terminal() bool {
	switch c {
	case CategoryInjection, CategoryTimeout, CategoryNone:
		return false
	default:
		return true
	}
}

// Categorized is implemented by errors that carry their own category, so
// packages outside security (the runner) can participate in Classify.
type Categorized interface {
	error
	Category() Category
}

// Policy errors.
var (
	ErrAccessDenied      = fmt.Errorf("access denied")
	ErrInjectionDetected = fmt.Errorf("injection signals detected")
	ErrSensitiveResource = fmt.Errorf("sensitive resource denied")
	ErrEgressBlocked     = fmt.Errorf("egress blocked")
	ErrConfirmation      = fmt.Errorf("confirmation required")
)

// SanitizeKind names the outbound rule a response violated.
type SanitizeKind string

const (
	MassMention      SanitizeKind = "MassMention"
	CredentialLeak   SanitizeKind = "CredentialLeak"
	ExfiltrationURL  SanitizeKind = "ExfiltrationURL"
	UnlabeledCommand SanitizeKind = "UnlabeledCommand"
)

// SanitizeError is returned when a generator response must be withheld.
// Rule names the matching table entry for logs; it is never shown to users.
type SanitizeError struct {
	Kind SanitizeKind
	Rule string
}

func (e *SanitizeError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("sanitize: response withheld (%s)", e.Kind)
	}
	return fmt.Sprintf("sanitize: response withheld (%s, rule %s)", e.Kind, e.Rule)
}

// Category maps the sanitize kind onto the notice taxonomy.
func (e *SanitizeError) Category() Category {
	switch e.Kind {
	case MassMention:
		return CategoryMassMention
	case CredentialLeak:
		return CategoryCredentialLeak
	case ExfiltrationURL:
		return CategoryExfiltrationURL
	case UnlabeledCommand:
		return CategoryUnlabeledCommand
	}
	return CategoryInternal
}

// Classify maps any pipeline error to its category. Unknown errors are
// internal.
func Classify(err error) Category {
	if err == nil {
		return CategoryNone
	}
	var c Categorized
	if errors.As(err, &c) {
		return c.Category()
	}
	switch {
	case errors.Is(err, ErrAccessDenied):
		return CategoryAccessDenied
	case errors.Is(err, ErrInjectionDetected):
		return CategoryInjection
	case errors.Is(err, ErrSensitiveResource):
		return CategorySensitiveResource
	case errors.Is(err, ErrEgressBlocked):
		return CategoryEgressBlocked
	}
	return CategoryInternal
}

// Notice returns the short, category-only message sent to the principal.
func Notice(c Category) string {
	switch c {
	case CategoryInjection:
		return "⚠️ Possible prompt injection detected. Waiting for your confirmation."
	case CategoryTimeout:
		return "⏱ The assistant did not answer in time. Request dropped."
	case CategoryProcessFailure:
		return "❌ The assistant failed to produce a response."
	case CategoryMassMention:
		return "🚫 Response withheld: mass mention."
	case CategoryCredentialLeak:
		return "🚫 Response withheld: credential-shaped content."
	case CategoryExfiltrationURL:
		return "🚫 Response withheld: URL carrying sensitive data."
	case CategoryUnlabeledCommand:
		return "🚫 Response withheld: unlabeled shell command."
	case CategorySensitiveResource:
		return "🚫 Request denied: sensitive resource."
	case CategoryEgressBlocked:
		return "🚫 Request denied: blocked network address."
	case CategoryAbandoned:
		return "⌛ No confirmation received. Request abandoned."
	case CategoryBusy:
		return "⏳ Too many pending requests. Message dropped."
	case CategoryAccessDenied, CategoryNone:
		return ""
	}
	return "❌ Internal error. Check the logs."
}
