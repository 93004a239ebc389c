// Package portcheck probes whether host TCP ports are free.
package portcheck

import (
	"fmt"
	"net"
)

// TCPProbe checks ports by binding them on all interfaces.
type TCPProbe struct{}

// IsFree reports whether port can currently be bound.
func (TCPProbe) IsFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
