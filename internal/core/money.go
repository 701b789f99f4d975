package core

import (
	"strconv"
	"strings"
)

// ParseAmount converts a human decimal string ("4.50", "4,50", "450") into
// the smallest currency unit. Two fraction digits are kept; a third digit is
// rounded half-up. Zero and negative values are rejected with the same
// reason codes the validation layer uses.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, &ValidationError{Fields: []FieldError{fieldError(FieldAmount, ReasonRequired)}}
	}
	s = strings.ReplaceAll(s, ",", ".")
	if strings.HasPrefix(s, "-") {
		return 0, &ValidationError{Fields: []FieldError{fieldError(FieldAmount, ReasonNotPositive)}}
	}
	s = strings.TrimPrefix(s, "+")

	intPart, fracPart, _ := strings.Cut(s, ".")
	if strings.Contains(fracPart, ".") || !allDigits(intPart) || !allDigits(fracPart) || intPart+fracPart == "" {
		return 0, &ValidationError{Fields: []FieldError{fieldError(FieldAmount, ReasonWrongType)}}
	}
	if intPart == "" {
		intPart = "0"
	}
	iv, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil || iv > MaxAmount/100 {
		return 0, &ValidationError{Fields: []FieldError{fieldError(FieldAmount, ReasonTooLarge)}}
	}

	var frac int64
	if len(fracPart) > 0 {
		frac = int64(fracPart[0]-'0') * 10
	}
	if len(fracPart) > 1 {
		frac += int64(fracPart[1] - '0')
	}
	if len(fracPart) > 2 && fracPart[2] >= '5' {
		frac++
	}

	amount := iv*100 + frac
	if amount <= 0 {
		return 0, &ValidationError{Fields: []FieldError{fieldError(FieldAmount, ReasonNotPositive)}}
	}
	return amount, nil
}

// FormatAmount renders an amount in the smallest unit as a two-decimal string.
func FormatAmount(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	frac := strconv.FormatInt(amount%100, 10)
	if len(frac) == 1 {
		frac = "0" + frac
	}
	return sign + strconv.FormatInt(amount/100, 10) + "." + frac
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
