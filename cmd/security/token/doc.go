// Package token extracts bearer credentials from incoming requests and
// produces log-safe fingerprints of them.
//
// Raw credentials never reach logs; use Fingerprint.
package token
