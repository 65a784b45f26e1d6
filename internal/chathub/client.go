package chathub

// Client is the interface for any type of live connection (e.g., WebSocket).
// It abstracts the underlying communication mechanism, allowing the hub to manage
// connections uniformly.
type Client interface {
	// GetSessionID returns the session the connection belongs to.
	GetSessionID() string

	// Run starts the client's read and write pumps, which handle incoming
	// commands and outgoing events.
	Run()
	// Close gracefully shuts down the client's connection and its chat state.
	// It is safe to call more than once.
	Close()
}
