// Package chat implements the live customer/agent support chat.
//
// The app package carries HTTP and WebSocket transport. Chat state lives in
// storage, lifecycle owns the state machine, and timeline keeps each viewer's
// merged message log in sync with the store's change feed.
package chat
