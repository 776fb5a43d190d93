// Package security provides the broker's security plumbing: token and nonce
// generation, encryption at rest, per-IP rate limiting, request ID
// propagation, security response headers, and audit logging.
package security
