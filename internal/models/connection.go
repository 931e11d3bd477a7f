package models

import "time"

// ClientConnection tracks one connected client. Owned by the connection
// manager; nothing else mutates it.
type ClientConnection struct {
	ConnectionID  string              `json:"connection_id"`
	UserID        string              `json:"user_id"`
	LastSeen      time.Time           `json:"last_seen"`
	Subscriptions map[string]struct{} `json:"subscriptions"`
}

func (c *ClientConnection) SubscribedTo(topic string) bool {
	if len(c.Subscriptions) == 0 {
		// No explicit subscriptions means the client wants everything.
		return true
	}
	_, ok := c.Subscriptions[topic]
	return ok
}
