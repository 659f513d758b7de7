// Package session mirrors live relay connections into Redis. Each connection
// gets a session hash recording the user and the relay node hosting it, and
// each user maps to its newest session so any node can see where a user is
// connected.
package session
