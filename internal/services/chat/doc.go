// Package chat implements the realtime chat surface for game rooms.
//
// Every connection is a session. Outbound chat bound for a session and inbound
// chat originating from it pass through an interception pipeline that records
// a per-session transcript and applies the session's visibility rules before
// anything reaches the wire.
package chat
