// Package validation provides input validation middleware for the API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxNoteLength caps free-text notes on transfers and admin grants.
const MaxNoteLength = 280

var (
	// uidRegex validates user ids ("usr_" + hex)
	uidRegex = regexp.MustCompile(`^usr_[a-f0-9]{1,32}$`)
	// usernameRegex validates camper usernames
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{2,32}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUID checks if a string is a well-formed user id
func IsValidUID(uid string) bool {
	return uidRegex.MatchString(uid)
}

// IsValidUsername checks if a string is a well-formed username
func IsValidUsername(name string) bool {
	return usernameRegex.MatchString(name)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidUID checks if a field is a well-formed user id
func ValidUID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidUID(value) {
			return &ValidationError{Field: field, Message: "must be a valid user id (usr_...)"}
		}
		return nil
	}
}

// ValidUsername checks if a field is a well-formed username
func ValidUsername(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidUsername(value) {
			return &ValidationError{Field: field, Message: "must be 2-32 chars of letters, digits, _ . -"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PositiveAmount checks that an integer points amount is positive
func PositiveAmount(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// UIDParamMiddleware validates the :uid URL parameter on routes that use it.
// Apply to route groups that include :uid params to reject malformed ids early.
func UIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := c.Param("uid")
		if uid != "" && !IsValidUID(uid) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_uid",
				"message": "uid must be a valid user id (usr_ + hex)",
			})
			return
		}
		c.Next()
	}
}
