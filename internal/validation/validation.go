// Package validation содержит функции валидации входных данных.
package validation

import "strings"

const maxReferenceLength = 100

// IsValidReference проверяет синтаксис референса транзакции платёжного шлюза.
func IsValidReference(reference string) bool {
	if reference == "" || len(reference) > maxReferenceLength {
		return false
	}

	for _, ch := range reference {
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '-' || ch == '_' || ch == '.' || ch == '=':
		default:
			return false
		}
	}

	return true
}

// IsValidEmail выполняет минимальную синтаксическую проверку адреса почты.
func IsValidEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return false
	}

	domain := email[at+1:]
	if strings.IndexByte(domain, '.') <= 0 || strings.HasSuffix(domain, ".") {
		return false
	}

	return !strings.ContainsAny(email, " \t\r\n")
}
