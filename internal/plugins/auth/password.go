package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argon2id parameters for newly computed hashes. These follow OWASP
// recommendations for argon2id on modest server hardware: memory=64MB,
// iterations=3, parallelism=4. Stored hashes carry their own parameters,
// so raising these later transparently rehashes accounts on their next
// successful login (see needsRehash).
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB in KiB
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// hashPassword creates an argon2id hash of the given password. The output
// format is: $argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>
// This format is compatible with most argon2 libraries and allows self-
// contained verification without separate salt storage.
func hashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	// Encode to the standard PHC string format.
	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads, b64Salt, b64Hash)

	return encoded, nil
}

// verifyPassword checks a plaintext password against an argon2id hash
// string. Returns true if the password matches. A mismatch is routine user
// input, never an error: malformed or unparseable stored hashes simply
// fail verification.
func verifyPassword(password, encodedHash string) bool {
	params, salt, expectedHash, ok := parseHash(encodedHash)
	if !ok {
		return false
	}

	// Compute the hash of the provided password with the stored parameters.
	computedHash := argon2.IDKey([]byte(password), salt, params.iterations, params.memory, params.parallelism, uint32(len(expectedHash)))

	// Constant-time comparison to prevent timing attacks.
	return subtle.ConstantTimeCompare(expectedHash, computedHash) == 1
}

// needsRehash reports whether a stored hash was computed with parameters
// weaker than (or different from) the current defaults. Callers check this
// only after a successful verification, when the plaintext is available to
// compute a replacement.
func needsRehash(encodedHash string) bool {
	params, _, _, ok := parseHash(encodedHash)
	if !ok {
		// Not a hash this code produced; a successful verify against it is
		// impossible anyway, but normalize if it ever happens.
		return true
	}
	return params.version != argon2.Version ||
		params.memory != argonMemory ||
		params.iterations != argonTime ||
		params.parallelism != argonThreads
}

// hashParams are the argon2id cost parameters parsed from a PHC string.
type hashParams struct {
	version     int
	memory      uint32
	iterations  uint32
	parallelism uint8
}

// parseHash splits a PHC-format argon2id string into its parameters, salt,
// and raw hash. ok is false for anything that is not a well-formed
// $argon2id$ string.
func parseHash(encodedHash string) (params hashParams, salt, hash []byte, ok bool) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return params, nil, nil, false
	}

	if _, err := fmt.Sscanf(parts[2], "v=%d", &params.version); err != nil {
		return params, nil, nil, false
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.memory, &params.iterations, &params.parallelism); err != nil {
		return params, nil, nil, false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return params, nil, nil, false
	}
	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return params, nil, nil, false
	}

	return params, salt, hash, true
}
