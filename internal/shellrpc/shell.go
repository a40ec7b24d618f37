// Package shellrpc turns a raw virtio-serial byte stream into a
// request/response RPC by framing each command with a sentinel that marks
// the end of its output and carries the guest's exit status.
//
// The sentinel is matched against the whole buffer accumulated since the
// command was sent, re-tested after every read, so the output and the
// sentinel line may arrive split across several reads. The framing is lossy
// if the guest ever prints the literal sentinel itself -- the spec accepts
// this as matching the observable behavior of the system being replaced.
package shellrpc

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Sentinel is the literal marker appended after every executed command.
const Sentinel = "|!=EOF"

var statusPattern = regexp.MustCompile(`(?s)(.*)\|\!=EOF\s+(\d+)`)

const readChunk = 4096

// Channel is a bidirectional byte-stream connection to an in-guest root
// shell, reached over a virtio-serial device.
type Channel struct {
	conn net.Conn
	log  *logrus.Entry
}

// New wraps conn as a shell RPC channel.
func New(conn net.Conn, log *logrus.Entry) *Channel {
	return &Channel{conn: conn, log: log}
}

// DrainBanner reads and discards the initial bytes the shell emits on
// connect (its prompt), so later Execute calls start from a clean buffer.
func (c *Channel) DrainBanner() error {
	buf := make([]byte, readChunk)
	_, err := c.conn.Read(buf)
	if err != nil {
		return errors.Wrap(err, "failed to read shell banner")
	}
	return nil
}

// SendRaw writes a raw line to the shell without framing it as an RPC or
// waiting for a response. Used for commands like "poweroff" whose effect
// tears down the channel before any sentinel could arrive.
func (c *Channel) SendRaw(line string) error {
	_, err := c.conn.Write([]byte(line + "\n"))
	if err != nil {
		return errors.Wrapf(err, "failed to send %q", line)
	}
	return nil
}

// Execute runs command in the guest and returns its combined stdout+stderr
// and exit status. The returned output never contains the sentinel.
func (c *Channel) Execute(command string) (status int, output string, err error) {
	framed := fmt.Sprintf("( %s ); echo '%s' $?\n", command, Sentinel)
	if _, err := c.conn.Write([]byte(framed)); err != nil {
		return 0, "", errors.Wrapf(err, "failed to send command %q", command)
	}

	var buf []byte
	chunk := make([]byte, readChunk)
	for {
		n, rerr := c.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, decodeLossy(chunk[:n])...)
			if m := statusPattern.FindSubmatch(buf); m != nil {
				status, serr := strconv.Atoi(string(m[2]))
				if serr != nil {
					return 0, "", errors.Wrapf(serr, "malformed exit status in sentinel for %q", command)
				}
				return status, strings.ToValidUTF8(string(m[1]), "�"), nil
			}
		}
		if rerr != nil {
			return 0, "", errors.Wrapf(rerr, "shell channel closed while running %q", command)
		}
	}
}

// decodeLossy passes bytes through unchanged while the response is being
// accumulated, so a multi-byte UTF-8 sequence split across two reads is not
// broken up. Invalid sequences are replaced with U+FFFD, not rejected, once
// Execute has extracted the command's output from the complete response.
func decodeLossy(b []byte) []byte {
	return b
}

// CommandError reports that a command's exit status contradicted the
// caller's expectation (succeed expected 0, fail expected non-zero).
type CommandError struct {
	Command  string
	Status   int
	Expected string // "succeed" or "fail"
}

func (e *CommandError) Error() string {
	if e.Expected == "fail" {
		return fmt.Sprintf("command `%s` unexpectedly succeeded", e.Command)
	}
	return fmt.Sprintf("command `%s` failed (exit code %d)", e.Command, e.Status)
}

// Succeed runs each command in order, concatenating their outputs, and
// fails on the first non-zero exit status.
func (c *Channel) Succeed(commands ...string) (string, error) {
	var out string
	for _, cmd := range commands {
		c.log.Infof("must succeed: %s", cmd)
		status, output, err := c.Execute(cmd)
		if err != nil {
			return "", err
		}
		if status != 0 {
			c.log.Infof("output: %s", output)
			return "", &CommandError{Command: cmd, Status: status, Expected: "succeed"}
		}
		out += output
	}
	return out, nil
}

// Fail runs each command in order, concatenating their outputs, and fails
// the first time a command unexpectedly returns zero.
func (c *Channel) Fail(commands ...string) (string, error) {
	var out string
	for _, cmd := range commands {
		c.log.Infof("must fail: %s", cmd)
		status, output, err := c.Execute(cmd)
		if err != nil {
			return "", err
		}
		if status == 0 {
			return "", &CommandError{Command: cmd, Expected: "fail"}
		}
		out += output
	}
	return out, nil
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}
