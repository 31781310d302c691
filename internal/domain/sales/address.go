package sales

import (
	"regexp"
	"strings"

	"github.com/salesflow/backend/internal/domain/shared"
)

var postalCodePattern = regexp.MustCompile(`^\d{6}$`)

// Address is a shipping destination collected from the conversation
type Address struct {
	PostalCode string
	City       string
	Line       string
}

// NewAddress validates a destination. A postal code alone is enough for a
// carrier quote; when given it must be six digits.
func NewAddress(postalCode, city, line string) (Address, error) {
	postalCode = strings.TrimSpace(postalCode)
	city = strings.TrimSpace(city)
	line = strings.TrimSpace(line)

	if postalCode == "" && line == "" {
		return Address{}, shared.NewDomainError("INVALID_ADDRESS", "Postal code or street address is required")
	}
	if postalCode != "" && !IsValidPostalCode(postalCode) {
		return Address{}, shared.NewDomainError("INVALID_POSTAL_CODE", "Postal code must be six digits")
	}
	if len(line) > 500 {
		return Address{}, shared.NewDomainError("INVALID_ADDRESS", "Address cannot exceed 500 characters")
	}
	return Address{PostalCode: postalCode, City: city, Line: line}, nil
}

// IsValidPostalCode checks the six-digit postal code format
func IsValidPostalCode(code string) bool {
	return postalCodePattern.MatchString(code)
}

// String renders the address on one line
func (a Address) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{a.PostalCode, a.City, a.Line} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}
