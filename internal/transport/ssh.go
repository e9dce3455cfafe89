package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/usc-nsl/ddb/internal/ddberr"
)

// Cred is the SSH credential set for one remote host.
type Cred struct {
	Hostname string
	Port     int
	User     string
	Auth     []ssh.AuthMethod
}

func (c Cred) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", c.Hostname, port)
}

func (c Cred) clientConfig() *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            c.Auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // debuggee hosts are ephemeral lab machines, not production secrets
	}
}

// SSH establishes an SSH session to one host with exponential-backoff
// connect retry, then runs the GDB/MI command line over that session.
type SSH struct {
	Cred        Cred
	CommandLine string
	Backoff     Backoff

	mu      sync.Mutex
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	reader  *bufio.Reader
	closed  bool

	dial func(ctx context.Context) (*ssh.Client, error) // set by NewSSH or NewSSHBridge
}

// NewSSH returns a direct SSH transport.
func NewSSH(cred Cred, commandLine string, backoff Backoff) *SSH {
	t := &SSH{Cred: cred, CommandLine: commandLine, Backoff: backoff}
	t.dial = func(ctx context.Context) (*ssh.Client, error) {
		conn, err := net.Dial("tcp", cred.addr())
		if err != nil {
			return nil, err
		}
		cc, chans, reqs, err := ssh.NewClientConn(conn, cred.addr(), cred.clientConfig())
		if err != nil {
			return nil, err
		}
		return ssh.NewClient(cc, chans, reqs), nil
	}
	return t
}

// NewSSHBridge returns an SSH transport tunneled through a jump host: the
// jump host is dialed directly, then the target host is dialed as a
// net.Conn carried over the jump connection.
func NewSSHBridge(jump, target Cred, commandLine string, backoff Backoff) *SSH {
	t := &SSH{Cred: target, CommandLine: commandLine, Backoff: backoff}
	t.dial = func(ctx context.Context) (*ssh.Client, error) {
		jumpConn, err := net.Dial("tcp", jump.addr())
		if err != nil {
			return nil, fmt.Errorf("jump host dial: %w", err)
		}
		jcc, jchans, jreqs, err := ssh.NewClientConn(jumpConn, jump.addr(), jump.clientConfig())
		if err != nil {
			return nil, fmt.Errorf("jump host handshake: %w", err)
		}
		jumpClient := ssh.NewClient(jcc, jchans, jreqs)

		targetConn, err := jumpClient.Dial("tcp", target.addr())
		if err != nil {
			return nil, fmt.Errorf("target dial through jump: %w", err)
		}
		tcc, tchans, treqs, err := ssh.NewClientConn(targetConn, target.addr(), target.clientConfig())
		if err != nil {
			return nil, fmt.Errorf("target handshake through jump: %w", err)
		}
		return ssh.NewClient(tcc, tchans, treqs), nil
	}
	return t
}

func (t *SSH) Start(ctx context.Context) error {
	var client *ssh.Client
	err := Retry(ctx, t.Backoff, func(attempt int) error {
		c, err := t.dial(ctx)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return &ddberr.Transport{Op: "start", Err: err}
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return &ddberr.Transport{Op: "start", Err: err}
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return &ddberr.Transport{Op: "start", Err: err}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return &ddberr.Transport{Op: "start", Err: err}
	}
	if err := session.Start(t.CommandLine); err != nil {
		session.Close()
		client.Close()
		return &ddberr.Transport{Op: "start", Err: err}
	}

	t.mu.Lock()
	t.client = client
	t.session = session
	t.stdin = stdin
	t.reader = bufio.NewReader(stdout)
	t.mu.Unlock()
	return nil
}

func (t *SSH) Write(line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.stdin == nil {
		return &ddberr.Transport{Op: "write", Err: fmt.Errorf("transport closed")}
	}
	if _, err := io.WriteString(t.stdin, line); err != nil {
		return &ddberr.Transport{Op: "write", Err: err}
	}
	return nil
}

func (t *SSH) ReadLine() (string, error) {
	t.mu.Lock()
	r := t.reader
	t.mu.Unlock()
	if r == nil {
		return "", &ddberr.Transport{Op: "read", Err: fmt.Errorf("transport not started")}
	}
	line, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return line, nil
		}
		return "", err
	}
	return line, nil
}

func (t *SSH) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.session != nil {
		_ = t.session.Close()
	}
	if t.client != nil {
		_ = t.client.Close()
	}
	return nil
}
