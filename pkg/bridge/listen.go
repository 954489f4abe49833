package bridge

import (
	"crypto/tls"
	"net"
)

func tlsListen(addr string, cfg *tls.Config) (net.Listener, error) {
	return tls.Listen("tcp", addr, cfg)
}
