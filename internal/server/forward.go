package server

import (
	"context"
	"io"
	"net"
	"strconv"

	"github.com/danmuck/sshd/internal/observability"
	"golang.org/x/crypto/ssh"
)

type directTCPIP struct {
	DestAddr string
	DestPort uint32
	OrigAddr string
	OrigPort uint32
}

type remoteForward struct {
	BindAddr string
	BindPort uint32
}

type remoteForwardReply struct {
	Port uint32
}

type forwardedTCPIP struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

func (c *conn) handleDirectTCPIP(newCh ssh.NewChannel) {
	var req directTCPIP
	if err := ssh.Unmarshal(newCh.ExtraData(), &req); err != nil {
		observability.RecordChannel("direct-tcpip", false)
		_ = newCh.Reject(ssh.ConnectionFailed, "malformed direct-tcpip request")
		return
	}
	if c.forwarding == nil || !c.forwarding.AllowLocal(c.sc.User(), req.DestAddr, int(req.DestPort)) {
		observability.RecordChannel("direct-tcpip", false)
		c.logger.Info().
			Str("dest", req.DestAddr).
			Uint32("port", req.DestPort).
			Msg("sshd.forward local refused")
		_ = newCh.Reject(ssh.Prohibited, "port forwarding is disabled")
		return
	}

	dest := net.JoinHostPort(req.DestAddr, strconv.Itoa(int(req.DestPort)))
	var d net.Dialer
	target, err := d.DialContext(c.ctx, "tcp", dest)
	if err != nil {
		observability.RecordChannel("direct-tcpip", false)
		_ = newCh.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newCh.Accept()
	if err != nil {
		_ = target.Close()
		return
	}
	observability.RecordChannel("direct-tcpip", true)
	go ssh.DiscardRequests(reqs)
	c.logger.Debug().Str("dest", dest).Msg("sshd.forward local open")
	pipe(c.ctx, ch, target)
}

func (c *conn) handleTCPIPForward(req *ssh.Request) {
	var fwd remoteForward
	if err := ssh.Unmarshal(req.Payload, &fwd); err != nil {
		_ = req.Reply(false, nil)
		return
	}
	if c.forwarding == nil {
		_ = req.Reply(false, nil)
		return
	}
	bindAddr, ok := c.forwarding.AllowRemote(c.sc.User(), fwd.BindAddr, int(fwd.BindPort))
	if !ok {
		c.logger.Info().
			Str("bind", fwd.BindAddr).
			Uint32("port", fwd.BindPort).
			Msg("sshd.forward remote refused")
		_ = req.Reply(false, nil)
		return
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(bindAddr, strconv.Itoa(int(fwd.BindPort))))
	if err != nil {
		c.logger.Info().Err(err).Msg("sshd.forward remote listen failed")
		_ = req.Reply(false, nil)
		return
	}
	port := uint32(ln.Addr().(*net.TCPAddr).Port)
	key := forwardKey(fwd.BindAddr, port)

	c.mu.Lock()
	c.forwards[key] = ln
	if fwd.BindPort == 0 {
		c.forwards[forwardKey(fwd.BindAddr, 0)] = ln
	}
	c.mu.Unlock()

	var payload []byte
	if fwd.BindPort == 0 {
		payload = ssh.Marshal(remoteForwardReply{Port: port})
	}
	_ = req.Reply(true, payload)
	c.logger.Info().Str("bind", ln.Addr().String()).Msg("sshd.forward remote listening")

	c.goHandle(func() { c.acceptForwarded(ln, fwd.BindAddr, port) })
}

func (c *conn) acceptForwarded(ln net.Listener, bindAddr string, port uint32) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		origin := nc.RemoteAddr().(*net.TCPAddr)
		payload := ssh.Marshal(forwardedTCPIP{
			Addr:       bindAddr,
			Port:       port,
			OriginAddr: origin.IP.String(),
			OriginPort: uint32(origin.Port),
		})
		c.goHandle(func() {
			ch, reqs, err := c.sc.OpenChannel("forwarded-tcpip", payload)
			if err != nil {
				observability.RecordChannel("forwarded-tcpip", false)
				_ = nc.Close()
				return
			}
			observability.RecordChannel("forwarded-tcpip", true)
			go ssh.DiscardRequests(reqs)
			pipe(c.ctx, ch, nc)
		})
	}
}

func (c *conn) handleCancelTCPIPForward(req *ssh.Request) {
	var fwd remoteForward
	if err := ssh.Unmarshal(req.Payload, &fwd); err != nil {
		_ = req.Reply(false, nil)
		return
	}
	key := forwardKey(fwd.BindAddr, fwd.BindPort)
	c.mu.Lock()
	ln, ok := c.forwards[key]
	if ok {
		for k, other := range c.forwards {
			if other == ln {
				delete(c.forwards, k)
			}
		}
	}
	c.mu.Unlock()
	if !ok {
		_ = req.Reply(false, nil)
		return
	}
	_ = ln.Close()
	_ = req.Reply(true, nil)
}

func (c *conn) closeForwards() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, ln := range c.forwards {
		_ = ln.Close()
		delete(c.forwards, k)
	}
}

func forwardKey(addr string, port uint32) string {
	return net.JoinHostPort(addr, strconv.FormatUint(uint64(port), 10))
}

// pipe copies in both directions until both sides finish or ctx ends.
func pipe(ctx context.Context, ch ssh.Channel, nc net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(ch, nc)
		_ = ch.CloseWrite()
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(nc, ch)
		if tc, ok := nc.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			_ = ch.Close()
			_ = nc.Close()
		case <-finished:
		}
	}()
	<-done
	<-done
	_ = ch.Close()
	_ = nc.Close()
}
