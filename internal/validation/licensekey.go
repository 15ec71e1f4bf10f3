// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
	"unicode"
)

const (
	minKeyLength = 4
	maxKeyLength = 64
)

// NormalizeLicenseKey приводит введённый пользователем ключ к каноническому виду
// и проверяет его формат: латинские буквы, цифры, дефис и подчёркивание.
func NormalizeLicenseKey(key string) (string, bool) {
	key = strings.ToUpper(strings.TrimSpace(key))
	if len(key) < minKeyLength || len(key) > maxKeyLength {
		return "", false
	}

	for _, ch := range key {
		switch {
		case ch >= 'A' && ch <= 'Z':
		case unicode.IsDigit(ch) && ch < unicode.MaxASCII:
		case ch == '-' || ch == '_':
		default:
			return "", false
		}
	}

	return key, true
}

// IsValidLicenseKey проверяет формат ключа без нормализации.
func IsValidLicenseKey(key string) bool {
	normalized, ok := NormalizeLicenseKey(key)
	return ok && normalized == key
}
