package qmonitor

import (
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestWaitForPromptAccumulatesAcrossReads(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = server.Write([]byte("QEMU 8.0 monitor\r\n"))
		time.Sleep(10 * time.Millisecond)
		_, _ = server.Write([]byte(Prompt))
	}()

	ch := New(client, logrus.NewEntry(logrus.New()))
	out, err := ch.WaitForPrompt()
	require.NoError(t, err)
	require.Contains(t, out, "QEMU 8.0 monitor")
	require.True(t, len(out) >= len(Prompt))
}

func TestCommandSendsThenWaitsForPrompt(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	received := make(chan string, 1)
	go func() {
		buf := make([]byte, 1024)
		n, _ := server.Read(buf)
		received <- string(buf[:n])
		_, _ = server.Write([]byte("response\n" + Prompt))
	}()

	ch := New(client, logrus.NewEntry(logrus.New()))
	out, err := ch.Command("quit")
	require.NoError(t, err)
	require.Equal(t, "quit\n", <-received)
	require.Contains(t, out, "response")
}
