// Package auth issues and validates bearer tokens for the BLE link API.
//
// Tokens are HS256 JWTs carrying a role. Viewers may read device state and
// history; operators may also scan, connect, disconnect and toggle.
// There is no user database: tokens are minted by an operator with
// `blectl token` using the shared secret from security.jwt.secret.
package auth
