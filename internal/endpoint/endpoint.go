// ABOUTME: Routing key derivation and identifier generation for agent instances.
// ABOUTME: Pure functions so independently computed keys always agree across processes.

// Package endpoint derives agent routing keys and public identifiers.
package endpoint

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
)

// Product is the addressing prefix shared by every component that constructs
// routing keys. It is part of the wire contract and must never change.
const Product = "jiascheduler"

// ErrEmptyIP indicates a routing key was requested without an IP address.
var ErrEmptyIP = errors.New("endpoint: ip is required")

// idAlphabet is the symbol set for random identifier suffixes.
const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// idSuffixLen is the length of the random suffix in generated identifiers.
// 62^10 possible values makes collisions negligible for the system's lifetime.
const idSuffixLen = 10

// RoutingKey derives the canonical address of one agent instance from its
// tenant namespace and IP. The rendering is part of the wire contract:
//
//	jiascheduler:ins:<namespace>:<ip>  (namespace present)
//	jiascheduler:ins:<ip>              (namespace empty)
func RoutingKey(namespace, ip string) (string, error) {
	if ip == "" {
		return "", ErrEmptyIP
	}
	if namespace == "" {
		return fmt.Sprintf("%s:ins:%s", Product, ip), nil
	}
	return fmt.Sprintf("%s:ins:%s:%s", Product, namespace, ip), nil
}

// NewID returns "<prefix>-<random suffix>" for job and instance identifiers.
func NewID(prefix string) string {
	buf := make([]byte, idSuffixLen)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// nothing sensible can run in that state.
		panic(fmt.Sprintf("endpoint: reading random bytes: %v", err))
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return prefix + "-" + string(buf)
}

// Resolver computes the local outbound IP once and caches it. Construct one
// at startup and pass it to the components that need it; there is no
// process-global cell.
type Resolver struct {
	once sync.Once
	ip   string
	err  error
}

// NewResolver returns a Resolver with no cached address yet.
func NewResolver() *Resolver {
	return &Resolver{}
}

// LocalIP returns the preferred outbound IPv4 address of this host. The UDP
// dial never sends a packet; it only asks the kernel for a source address.
func (r *Resolver) LocalIP() (string, error) {
	r.once.Do(func() {
		conn, err := net.Dial("udp", "8.8.8.8:80")
		if err != nil {
			r.err = fmt.Errorf("resolving local ip: %w", err)
			return
		}
		defer conn.Close()
		r.ip = conn.LocalAddr().(*net.UDPAddr).IP.String()
	})
	return r.ip, r.err
}
