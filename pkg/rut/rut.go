// Package rut validates national identifiers made of a numeric body and a
// modulo-11 check character (a digit or K).
package rut

import (
	"errors"
	"strconv"
	"strings"
)

var (
	ErrMalformed     = errors.New("malformed identifier")
	ErrBadCheckDigit = errors.New("check digit mismatch")
)

const maxBodyDigits = 8

// Normalize validates raw and returns its canonical form "<body>-<DV>".
// Dots, spaces and the hyphen are accepted as separators; a lower-case k is accepted.
func Normalize(raw string) (string, error) {
	cleaned := strings.NewReplacer(".", "", "-", "", " ", "").Replace(strings.ToUpper(strings.TrimSpace(raw)))
	if len(cleaned) < 2 {
		return "", ErrMalformed
	}

	body := strings.TrimLeft(cleaned[:len(cleaned)-1], "0")
	dv := cleaned[len(cleaned)-1]
	if body == "" || len(body) > maxBodyDigits {
		return "", ErrMalformed
	}
	for _, c := range body {
		if c < '0' || c > '9' {
			return "", ErrMalformed
		}
	}
	if dv != 'K' && (dv < '0' || dv > '9') {
		return "", ErrMalformed
	}
	if CheckDigit(body) != dv {
		return "", ErrBadCheckDigit
	}
	return body + "-" + string(dv), nil
}

// Valid reports whether raw is a well-formed identifier with a correct check digit.
func Valid(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}

// CheckDigit computes the verification character for a digits-only body.
func CheckDigit(body string) byte {
	sum, weight := 0, 2
	for i := len(body) - 1; i >= 0; i-- {
		sum += int(body[i]-'0') * weight
		weight++
		if weight > 7 {
			weight = 2
		}
	}
	switch r := 11 - sum%11; r {
	case 11:
		return '0'
	case 10:
		return 'K'
	default:
		return strconv.Itoa(r)[0]
	}
}

// Body returns the numeric part of a canonical identifier.
func Body(canonical string) string {
	if i := strings.IndexByte(canonical, '-'); i >= 0 {
		return canonical[:i]
	}
	return canonical
}
