package server

import "crypto/subtle"

// subtleConstantTimeCompare compares two auth keys without leaking, via
// timing, where the first mismatched byte falls. A length mismatch short-
// circuits; only the configured key's length is assumed non-secret.
func subtleConstantTimeCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
