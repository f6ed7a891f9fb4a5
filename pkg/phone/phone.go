// Package phone validates phone numbers in E.164 format as stored on
// profile and membership rows.
package phone

import "errors"

// ErrInvalid is returned when a non-empty value is not a valid E.164 number.
var ErrInvalid = errors.New("phone: not a valid E.164 number")

// Validate checks that number is in E.164 format: a leading '+' followed by
// 2 to 15 digits, the first of which is non-zero. The empty string is valid;
// an unset phone is not an error, callers decide whether one is required.
func Validate(number string) error {
	if number == "" {
		return nil
	}
	if number[0] != '+' {
		return ErrInvalid
	}
	digits := number[1:]
	if len(digits) < 2 || len(digits) > 15 {
		return ErrInvalid
	}
	if digits[0] == '0' {
		return ErrInvalid
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return ErrInvalid
		}
	}
	return nil
}
