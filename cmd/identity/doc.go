// Package identity holds the authenticated principal model, username
// canonicalization, typed operation errors, and the user lookup boundary
// consumed by the connection gate and the conversation directory.
package identity
