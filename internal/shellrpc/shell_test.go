package shellrpc

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/nixos/vmtest-driver/internal/retry"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeGuest answers every framed command read from conn with a canned
// (output, status) pair, standing in for the in-guest root shell.
func fakeGuest(t *testing.T, conn net.Conn, responses map[string]struct {
	output string
	status int
}) {
	t.Helper()
	go func() {
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			for cmd, resp := range responses {
				wrapped := fmt.Sprintf("( %s )", cmd)
				if strings.Contains(line, wrapped) {
					fmt.Fprintf(conn, "%s%s %d\n", resp.output, Sentinel, resp.status)
					break
				}
			}
		}
	}()
}

func TestExecuteParsesStatusAndStripsSentinel(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	fakeGuest(t, server, map[string]struct {
		output string
		status int
	}{
		"echo hi": {output: "hi\n", status: 0},
	})

	ch := New(client, logrus.NewEntry(logrus.New()))
	status, out, err := ch.Execute("echo hi")
	require.NoError(t, err)
	require.Equal(t, 0, status)
	require.Equal(t, "hi\n", out)
	require.NotContains(t, out, Sentinel)
}

func TestSucceedAndFailCheckExitStatus(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	fakeGuest(t, server, map[string]struct {
		output string
		status int
	}{
		"true":  {output: "", status: 0},
		"false": {output: "", status: 1},
	})

	ch := New(client, logrus.NewEntry(logrus.New()))
	_, err := ch.Succeed("true")
	require.NoError(t, err)

	_, err = ch.Fail("false")
	require.NoError(t, err)

	_, err = ch.Succeed("false")
	require.Error(t, err)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
}

func TestWaitUntilSucceedsRetries(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	attempt := 0
	go func() {
		r := bufio.NewReader(server)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if !strings.Contains(line, "( test -e /tmp/ready )") {
				continue
			}
			attempt++
			status := 1
			if attempt >= 3 {
				status = 0
			}
			fmt.Fprintf(server, "%s %d\n", Sentinel, status)
		}
	}()

	ch := New(client, logrus.NewEntry(logrus.New()))
	budget := retry.New(5, 0)
	_, err := ch.WaitUntilSucceeds(budget, "test -e /tmp/ready")
	require.NoError(t, err)
	require.Equal(t, 3, attempt)
}
