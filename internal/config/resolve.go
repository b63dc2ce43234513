package config

import (
	"fmt"
	"net"
	"time"

	"probed/internal/engine"
	"probed/internal/wire"
)

// Resolve turns every SessionEntry in the document into an
// engine.SessionSpec, resolving addresses and parsing durations. A
// malformed entry is reported with its index so a bad daemon config file
// doesn't silently drop a session.
func (c *ServerConfig) Resolve() ([]engine.SessionSpec, error) {
	specs := make([]engine.SessionSpec, 0, len(c.Sessions))
	for i, s := range c.Sessions {
		dst, err := net.ResolveUDPAddr("udp", s.Address)
		if err != nil {
			return nil, fmt.Errorf("config: session[%d] address %q: %w", i, s.Address, err)
		}
		interval, err := time.ParseDuration(s.Interval)
		if err != nil {
			return nil, fmt.Errorf("config: session[%d] interval %q: %w", i, s.Interval, err)
		}
		specs = append(specs, engine.SessionSpec{
			ID:       wire.ProbeId(s.ID),
			Dst:      dst,
			Interval: interval,
			Dscp:     wire.Dscp(s.Dscp),
		})
	}
	return specs, nil
}
