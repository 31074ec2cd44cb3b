package auth

import (
	"fmt"
	"regexp"
	"strings"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{6,15}$`)

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 || strings.ContainsAny(email, " \t\r\n") || strings.Count(email, "@") != 1 {
		return "", fmt.Errorf("%w: email is malformed", ErrInvalidInput)
	}
	return email, nil
}

// NormalizePhone strips separators from a phone number.
func NormalizePhone(phone string) (string, error) {
	phone = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(phone))
	if !phonePattern.MatchString(phone) {
		return "", fmt.Errorf("%w: phone is malformed", ErrInvalidInput)
	}
	return phone, nil
}

// ParseIdentifier turns a free-form sign-in identifier into a normalized
// LoginIdentifier. Anything containing '@' is treated as an email.
func ParseIdentifier(raw string) (LoginIdentifier, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return LoginIdentifier{}, fmt.Errorf("%w: identifier is required", ErrInvalidInput)
	}
	if strings.Contains(raw, "@") {
		email, err := NormalizeEmail(raw)
		if err != nil {
			return LoginIdentifier{}, err
		}
		return LoginIdentifier{Email: email}, nil
	}
	phone, err := NormalizePhone(raw)
	if err != nil {
		return LoginIdentifier{}, err
	}
	return LoginIdentifier{Phone: phone}, nil
}

// Key returns the normalized identifier as a single string.
func (l LoginIdentifier) Key() string {
	if l.Email != "" {
		return l.Email
	}
	return l.Phone
}

// Channel reports which contact channel the identifier addresses.
func (l LoginIdentifier) Channel() Channel {
	if l.Email != "" {
		return ChannelEmail
	}
	return ChannelPhone
}
