// Package auth validates inbound bearer tokens and exposes the resulting
// per-request identity. Each of the issuer, audience, lifetime and signature
// checks can be switched off in configuration; switching one off is logged at
// startup.
package auth
