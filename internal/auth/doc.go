// Package auth provides the identity abstraction used by coven-chat.
//
// # Identities
//
// An Identity has a subject (the account id that partitions stored
// conversations) and can mint bearer tokens for backend requests. A nil
// Identity means the session is unauthenticated: conversations live in the
// device-local store and requests go out without credentials.
//
// JWTIdentity signs HS256 tokens with the configured jwt_secret and caches
// them until shortly before expiry.
//
// # Providers
//
// A Provider reports the current identity. StaticProvider is a mutable
// holder used by the CLI; signing in is Set(identity), signing out Set(nil).
package auth
