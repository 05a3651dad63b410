// Package webhook delivers delayed-response progress and completion to the
// internal webhook service, and polls the external webhook used by CMB
// responses. Deliveries are PUTs with JSON bodies; when a signing secret is
// configured each body carries an HMAC-SHA256 signature header. Polls are
// plain GETs.
package webhook
