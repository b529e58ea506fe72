package replication

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// ComputeAuthResponse answers an auth challenge:
// hex(HMAC-SHA256(keyfile, challenge)).
func ComputeAuthResponse(keyfile, challenge string) string {
	mac := hmac.New(sha256.New, []byte(keyfile))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyAuthResponse checks a peer's challenge response in constant
// time.
func VerifyAuthResponse(keyfile, challenge, response string) bool {
	expected := ComputeAuthResponse(keyfile, challenge)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(response)) == 1
}

// VerifySharedSecret compares a presented cluster shared secret in
// constant time, for shard-direct endpoints authorized by header.
func VerifySharedSecret(expected, presented string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}
