// Package cryptoutil provides the cryptographic primitives for the grant
// audit trail.
//
// It supports:
//   - KMS-backed signing of audit records (ECDSA P-256/P-384, RSA-PSS)
//   - SHA-256 hashing utilities
//   - Constant-time hash comparison to prevent timing side-channels
package cryptoutil
