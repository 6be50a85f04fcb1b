package auth

import "crypto/subtle"

// DeviceKeyMatches compares a presented device API key with the stored one in constant time.
// An empty stored key never matches.
func DeviceKeyMatches(stored, presented string) bool {
	if stored == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}
