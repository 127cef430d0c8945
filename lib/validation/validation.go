// Package validation provides reusable input validation functions for wgtunnel
// configuration and relay definitions. All validators follow a consistent
// pattern: they return nil on success and a descriptive error on failure.
package validation

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Common validation errors. These are sentinel errors that can be checked with errors.Is().
var (
	// ErrRequired indicates a required field is missing or empty.
	ErrRequired = errors.New("field is required")

	// ErrTooLong indicates a string exceeds the maximum length.
	ErrTooLong = errors.New("value exceeds maximum length")

	// ErrInvalidFormat indicates a value doesn't match the expected format.
	ErrInvalidFormat = errors.New("invalid format")

	// ErrOutOfRange indicates a numeric value is outside the allowed range.
	ErrOutOfRange = errors.New("value out of range")
)

// Constraints for common field types.
const (
	// MaxHostnameLength is the maximum length for relay hostnames.
	MaxHostnameLength = 253

	// MaxLocationLength is the maximum length for a location code such as "se-got".
	MaxLocationLength = 32

	// MaxRelayWeight bounds relay selection weights.
	MaxRelayWeight = 1000
)

// hostnamePattern matches relay hostnames such as "se-got-wg-001".
var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]*[a-zA-Z0-9])?$`)

// locationPattern matches "country" or "country-city" location codes.
var locationPattern = regexp.MustCompile(`^[a-z]{2}(-[a-z]{3})?$`)

// Result represents a validation result with field context.
type Result struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (r *Result) Error() string {
	if r.Field != "" {
		return fmt.Sprintf("%s: %s", r.Field, r.Message)
	}
	return r.Message
}

// Unwrap returns the underlying error for errors.Is() support.
func (r *Result) Unwrap() error {
	return r.Err
}

// NewResult creates a validation result.
func NewResult(field, message string, err error) *Result {
	return &Result{
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// Required validates that a string is non-empty.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewResult(field, "is required", ErrRequired)
	}
	return nil
}

// MaxLength validates that a string doesn't exceed the maximum length.
func MaxLength(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return NewResult(field, fmt.Sprintf("exceeds maximum length of %d characters", max), ErrTooLong)
	}
	return nil
}

// IntRange validates that an integer is within the given range (inclusive).
func IntRange(field string, value, min, max int) error {
	if value < min || value > max {
		return NewResult(field, fmt.Sprintf("must be between %d and %d", min, max), ErrOutOfRange)
	}
	return nil
}

// Positive validates that an integer is positive (> 0).
func Positive(field string, value int) error {
	if value <= 0 {
		return NewResult(field, "must be positive", ErrOutOfRange)
	}
	return nil
}

// DurationRange validates that a duration is within bounds (inclusive).
func DurationRange(field string, value, min, max time.Duration) error {
	if value < min || value > max {
		return NewResult(field,
			fmt.Sprintf("must be between %s and %s", min, max),
			ErrOutOfRange)
	}
	return nil
}

// Hostname validates a relay hostname.
func Hostname(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if err := MaxLength(field, value, MaxHostnameLength); err != nil {
		return err
	}
	if !hostnamePattern.MatchString(value) {
		return NewResult(field, "must contain only letters, numbers, dots, and hyphens", ErrInvalidFormat)
	}
	return nil
}

// Location validates a location code. Empty means "anywhere".
func Location(field, value string) error {
	if value == "" {
		return nil
	}
	if err := MaxLength(field, value, MaxLocationLength); err != nil {
		return err
	}
	if !locationPattern.MatchString(value) {
		return NewResult(field, "must be a country code or country-city code (e.g., se or se-got)", ErrInvalidFormat)
	}
	return nil
}

// Endpoint validates and parses an ip:port relay endpoint.
func Endpoint(field, value string) (netip.AddrPort, error) {
	if err := Required(field, value); err != nil {
		return netip.AddrPort{}, err
	}
	ap, err := netip.ParseAddrPort(value)
	if err != nil {
		return netip.AddrPort{}, NewResult(field, "must be in ip:port format", ErrInvalidFormat)
	}
	if ap.Port() == 0 {
		return netip.AddrPort{}, NewResult(field, "port must be between 1 and 65535", ErrOutOfRange)
	}
	return ap, nil
}

// PublicKey validates and parses a base64 WireGuard public key.
func PublicKey(field, value string) (wgtypes.Key, error) {
	if err := Required(field, value); err != nil {
		return wgtypes.Key{}, err
	}
	key, err := wgtypes.ParseKey(value)
	if err != nil {
		return wgtypes.Key{}, NewResult(field, "must be a base64-encoded 32-byte WireGuard key", ErrInvalidFormat)
	}
	return key, nil
}

// Port validates a network port number. Zero means "any port".
func Port(field string, value int) error {
	if value < 0 || value > 65535 {
		return NewResult(field, "must be between 0 and 65535", ErrOutOfRange)
	}
	return nil
}

// Errors collects multiple validation errors.
type Errors []error

// Add appends an error to the collection (nil errors are ignored).
func (e *Errors) Add(err error) {
	if err != nil {
		*e = append(*e, err)
	}
}

// HasErrors returns true if any errors were collected.
func (e Errors) HasErrors() bool {
	return len(e) > 0
}

// Error returns all errors as a single error message.
func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("multiple validation errors: ")
	for i, err := range e {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e Errors) Unwrap() []error {
	return e
}

// Err returns the collection as an error, or nil if it is empty.
func (e Errors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}
