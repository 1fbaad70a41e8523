// Package api exposes the plugin manager over a JSON REST interface:
// catalog search, lifecycle operations, hooks, sandbox stats and the event feed.
package api
