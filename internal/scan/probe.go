package scan

import (
	"context"
	"net"
	"time"
)

// NetProbe reports the service online when a TCP connection to Addr
// succeeds within Timeout
type NetProbe struct {
	Addr    string
	Timeout time.Duration
}

func (p NetProbe) Online(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
