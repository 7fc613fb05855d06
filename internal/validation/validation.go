// Package validation provides request input validation for the escrow API.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

var ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// MaxRequestSize caps request bodies. Escrow payloads are small; anything
// larger is abuse.
const MaxRequestSize = 1 << 20 // 1MB

// FieldError describes a single invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Errors collects field errors from one request.
type Errors []FieldError

func (e Errors) Error() string {
	msgs := make([]string, len(e))
	for i, fe := range e {
		msgs[i] = fe.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validator checks one field and reports a problem, or nil.
type Validator func() *FieldError

// Validate runs all validators and returns the collected errors, or nil.
func Validate(validators ...Validator) error {
	var errs Errors
	for _, v := range validators {
		if fe := v(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Required fails when the value is blank.
func Required(field, value string) Validator {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress fails unless the value is a 0x-prefixed 40-hex-char address.
func ValidAddress(field, value string) Validator {
	return func() *FieldError {
		if !ethAddressRegex.MatchString(value) {
			return &FieldError{Field: field, Message: "must be a valid wallet address (0x + 40 hex chars)"}
		}
		return nil
	}
}

// PositiveAmount fails unless the decimal is strictly positive.
func PositiveAmount(field string, value decimal.Decimal) Validator {
	return func() *FieldError {
		if value.LessThanOrEqual(decimal.Zero) {
			return &FieldError{Field: field, Message: "must be a positive amount"}
		}
		return nil
	}
}

// MaxLength fails when the value exceeds max characters.
func MaxLength(field, value string, max int) Validator {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{Field: field, Message: fmt.Sprintf("must be at most %d characters", max)}
		}
		return nil
	}
}

// OneOf fails unless the value is one of the allowed set.
func OneOf(field, value string, allowed ...string) Validator {
	return func() *FieldError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &FieldError{Field: field, Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", "))}
	}
}

// IsAddress reports whether s looks like a wallet address.
func IsAddress(s string) bool {
	return ethAddressRegex.MatchString(s)
}

// NormalizeAddress lowercases an address so identity comparisons are
// case-insensitive.
func NormalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// SanitizeString trims whitespace and strips control characters.
func SanitizeString(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
}

// RequestSizeMiddleware rejects request bodies over limit bytes.
func RequestSizeMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"success": false,
				"error":   "request_too_large",
				"message": fmt.Sprintf("request body must be under %d bytes", limit),
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// AddressParamMiddleware validates a :param path segment as an address and
// stores the normalized form back on the context.
func AddressParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param(param)
		if !IsAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "invalid_address",
				"message": fmt.Sprintf("%s must be a valid wallet address", param),
			})
			return
		}
		c.Set(param, NormalizeAddress(addr))
		c.Next()
	}
}
