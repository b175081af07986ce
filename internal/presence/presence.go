// Package presence publishes which rooms currently have live connections on
// this relay instance, so that room listings can flag customers as online.
package presence

import "context"

// Registry records room presence with a TTL kept alive by a heartbeat.
type Registry interface {
	Register(ctx context.Context, room string) error
	Deregister(ctx context.Context, room string) error
	// Online reports, for each room, whether any relay instance holds it.
	Online(ctx context.Context, rooms []string) (map[string]bool, error)
	StartHeartbeat(ctx context.Context) error
	StopHeartbeat()
	Close() error
}

// Noop is used when no presence backend is configured. Nobody is online.
type Noop struct{}

func (Noop) Register(context.Context, string) error   { return nil }
func (Noop) Deregister(context.Context, string) error { return nil }
func (Noop) StartHeartbeat(context.Context) error     { return nil }
func (Noop) StopHeartbeat()                           {}
func (Noop) Close() error                             { return nil }

func (Noop) Online(_ context.Context, rooms []string) (map[string]bool, error) {
	return make(map[string]bool, len(rooms)), nil
}
