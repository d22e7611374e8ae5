package socks5

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pyproxy/logger"
)

func testLogger() *logger.Logger {
	return logger.NewLoggerWithConfig(logger.Configuration{Level: logger.ERROR, Console: false})
}

func TestGreet_AcceptsNoAuth(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := &Server{logger: testLogger()}

	go func() {
		_, _ = client.Write([]byte{0x05, 0x01, 0x00})
	}()

	// net.Pipe is unbuffered: greet's reply write blocks until it is read.
	result := make(chan bool, 1)
	go func() {
		result <- s.greet(server, 1)
	}()

	reply := make([]byte, 2)
	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	n, err := client.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00}, reply[:n])
	assert.True(t, <-result)
}

func TestGreet_RejectsBadVersion(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := &Server{logger: testLogger()}

	go func() {
		_, _ = client.Write([]byte{0x04, 0x01, 0x00})
	}()

	ok := s.greet(server, 1)
	assert.False(t, ok)
}

func TestReadRequest_DomainAddress(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := &Server{logger: testLogger()}

	domain := "httpbin.org"
	go func() {
		req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
		req = append(req, domain...)
		req = append(req, 0x00, 0x50)
		_, _ = client.Write(req)
	}()

	dest, ok := s.readRequest(server, 1)
	require.True(t, ok)
	assert.Equal(t, domain, dest.Host)
	assert.Equal(t, uint16(80), dest.Port)
}

func TestReadRequest_UnsupportedCommandRepliesCmdNotSupported(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := &Server{logger: testLogger()}

	go func() {
		_, _ = client.Write([]byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50})
	}()

	readDone := make(chan struct{})
	go func() {
		_, ok := s.readRequest(server, 1)
		assert.False(t, ok)
		close(readDone)
	}()

	reply := make([]byte, 10)
	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	n, err := client.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, byte(repCmdNotSupport), reply[:n][1])

	<-readDone
}
