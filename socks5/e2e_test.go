package socks5

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pyproxy/connid"
	"pyproxy/logger"
	"pyproxy/relay"
	"pyproxy/router"
)

// TestEndToEnd_DirectConnect exercises scenario 2 from the acceptance list:
// a CONNECT to a loopback destination that the router resolves as direct,
// with the client bytes relayed verbatim once the success reply is sent.
func TestEndToEnd_DirectConnect(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echoLn.Close()

	go func() {
		conn, err := echoLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		_, _ = conn.Write(buf[:n])
	}()

	log := logger.NewLoggerWithConfig(logger.Configuration{Level: logger.ERROR, Console: false})
	r := router.New(router.Rules{DirectDomains: []string{"127.0.0.1"}, ProxyDomains: []string{"*"}}, log)

	s := &Server{router: r, logger: log, relayCf: relay.Config{}, ids: connid.New()}

	echoPort := echoLn.Addr().(*net.TCPAddr).Port

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	go func() {
		// greeting
		_, _ = clientConn.Write([]byte{0x05, 0x01, 0x00})
		greetReply := make([]byte, 2)
		_ = clientConn.SetReadDeadline(time.Now().Add(time.Second))
		_, _ = clientConn.Read(greetReply)

		// CONNECT request to 127.0.0.1:<echoPort>
		req := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1}
		portBytes := make([]byte, 2)
		binary.BigEndian.PutUint16(portBytes, uint16(echoPort))
		req = append(req, portBytes...)
		_, _ = clientConn.Write(req)

		reply := make([]byte, 10)
		_ = clientConn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := clientConn.Read(reply)
		require.NoError(t, err)
		assert.Equal(t, byte(repSuccess), reply[:n][1])

		_, _ = clientConn.Write([]byte("ping"))
		echo := make([]byte, 4)
		_ = clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err = clientConn.Read(echo)
		require.NoError(t, err)
		assert.Equal(t, "ping", string(echo[:n]))

		clientConn.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.handleClient(ctx, serverConn)
}

// TestEndToEnd_MalformedGreetingEmptyMethods exercises scenario 3: a malformed
// greeting with an empty method list still receives a no-auth reply, and
// the subsequent close is handled cleanly.
func TestEndToEnd_MalformedGreetingEmptyMethods(t *testing.T) {
	log := logger.NewLoggerWithConfig(logger.Configuration{Level: logger.ERROR, Console: false})
	s := &Server{logger: log}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte{0x05, 0x00})
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

	client.Close()
}
