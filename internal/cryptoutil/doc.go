// Package cryptoutil holds the hashing and signature primitives used to
// check container artifacts before they reach the codec.
//
//   - KMS-backed detached signature verification (ECDSA P-256/P-384, RSA-PSS
//     with optional PKCS1v15 fallback), verified locally against a cached key
//   - constant-time comparison of hex digests
//   - SHA-256 hex digests for logs and metrics labels
package cryptoutil
