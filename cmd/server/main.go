// Command server runs the real-time chat server.
//
// Usage:
//
//	# Start with defaults, environment and an optional config file
//	server serve --config chat.yaml
//
//	# Print the effective configuration
//	server config
//
//	# Show the stored history of a room
//	server history general --limit 20
//
//	# Delete messages older than the retention period once
//	server prune
package main

func main() {
	Execute()
}
