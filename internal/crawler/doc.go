// Package crawler defines the request and response records exchanged through
// the frontier, the store keys and queue names derived from them, and the
// error kinds shared by every component.
package crawler
