// Package qmonitor implements the line-mode request/response protocol
// spoken to an emulator's control monitor, delimited by the "(qemu) "
// prompt.
package qmonitor

import (
	"net"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Prompt is the literal prompt the monitor emits after every response.
const Prompt = "(qemu) "

const readChunk = 1024

// Channel is a bidirectional, line-oriented connection to an emulator's
// control monitor.
type Channel struct {
	conn net.Conn
	log  *logrus.Entry
}

// New wraps conn as a monitor channel.
func New(conn net.Conn, log *logrus.Entry) *Channel {
	return &Channel{conn: conn, log: log}
}

// WaitForPrompt reads 1024-byte chunks until the accumulated buffer ends
// with the monitor prompt, returning the full accumulated text including
// the prompt. Used once after spawn to consume the initial banner.
func (c *Channel) WaitForPrompt() (string, error) {
	var sb strings.Builder
	buf := make([]byte, readChunk)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
		}
		if strings.HasSuffix(sb.String(), Prompt) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), errors.Wrap(err, "monitor channel closed before prompt appeared")
		}
	}
}

// Command sends command terminated with "\n" and returns the accumulated
// response up to and including the next prompt.
func (c *Channel) Command(command string) (string, error) {
	c.log.Infof("sending monitor command: %s", command)
	if _, err := c.conn.Write([]byte(command + "\n")); err != nil {
		return "", errors.Wrapf(err, "failed to send monitor command %q", command)
	}
	return c.WaitForPrompt()
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}
