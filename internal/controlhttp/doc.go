// Package controlhttp is the vault's inbound control channel. A page sends
// {"type":"SET_PASSWORD","password":"..."} and gets back
// {"success":true} or {"success":false,"error":"..."}, either as a plain
// POST or over a WebSocket that stays open for further messages.
//
// The error text in a reply is always one of the caller-safe messages from
// package session. Nothing about why an unlock failed, and never the
// password, leaves the process through this package.
package controlhttp
