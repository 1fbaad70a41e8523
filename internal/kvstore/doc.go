// Package kvstore provides key/value backends for persisted plugin manager
// state and per plugin storage. Every backend satisfies plugin.StateStore.
package kvstore
