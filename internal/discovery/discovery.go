// Package discovery listens for new-session announcements on the wire
// format described in spec.md §6: a single UDP listener in place of the
// MQTT subscriber named in the original — the callback contract is
// identical, so swapping in a real broker client later only touches this
// file. Grounded on
// original_source/ddb/python/iddb/gdb_manager.py's
// __discover_new_session_async and ddb/ddb/service_mgr.py's
// ServiceManager.
package discovery

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
)

// ServiceInfo is one decoded discovery announcement.
type ServiceInfo struct {
	IP  string
	Tag string
	Pid int
}

// Callback is invoked once per decoded announcement.
type Callback func(ServiceInfo)

// Listener owns one UDP socket bound to a broker address.
type Listener struct {
	conn *net.UDPConn
	cb   Callback
}

// Listen binds a UDP listener at hostname:port. It does not start reading:
// the caller runs Run (typically in its own goroutine) to deliver
// announcements to cb.
func Listen(hostname string, port int, cb Callback) (*Listener, error) {
	addr := net.JoinHostPort(hostname, strconv.Itoa(port))
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: listen %s: %w", addr, err)
	}
	return &Listener{conn: conn, cb: cb}, nil
}

// Run reads datagrams until ctx is cancelled or the socket errors.
func (l *Listener) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = l.conn.Close()
	}()

	buf := make([]byte, 1024)
	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[discovery] read error: %v", err)
			continue
		}
		info, err := decode(string(buf[:n]))
		if err != nil {
			log.Printf("[discovery] dropping malformed announcement: %v", err)
			continue
		}
		l.cb(info)
	}
}

// Close releases the underlying socket.
func (l *Listener) Close() error { return l.conn.Close() }

// decode parses "<ip_int>:<tag>:<pid>" into a ServiceInfo, per spec.md §6.
// ip_int ends at the first colon and pid starts after the last one, so the
// tag itself may contain colons.
func decode(msg string) (ServiceInfo, error) {
	first, last := strings.Index(msg, ":"), strings.LastIndex(msg, ":")
	if first < 0 || first == last {
		return ServiceInfo{}, fmt.Errorf("expected 3 colon-separated fields, got %q", msg)
	}
	parts := []string{msg[:first], msg[first+1 : last], msg[last+1:]}
	ipInt, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return ServiceInfo{}, fmt.Errorf("bad ip_int %q: %w", parts[0], err)
	}
	pid, err := strconv.Atoi(parts[2])
	if err != nil {
		return ServiceInfo{}, fmt.Errorf("bad pid %q: %w", parts[2], err)
	}
	return ServiceInfo{IP: ipInt2ipStr(uint32(ipInt)), Tag: parts[1], Pid: pid}, nil
}

// ipInt2ipStr mirrors original_source's ip_int2ip_str: ipInt is 32-bit
// network-order, matching the bytes socket.inet_ntoa expects.
func ipInt2ipStr(ipInt uint32) string {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, ipInt)
	return net.IP(b).String()
}
