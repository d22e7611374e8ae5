// Package trojan builds Trojan protocol requests and dials the upstream
// Trojan server over TLS.
package trojan

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"net"

	"github.com/pkg/errors"
)

// Command is the Trojan request command byte.
type Command byte

const (
	CmdConnect      Command = 0x01
	CmdUDPAssociate Command = 0x03
)

// AddressType is the Trojan request address-type byte.
type AddressType byte

const (
	ATypIPv4   AddressType = 0x01
	ATypDomain AddressType = 0x03
	ATypIPv6   AddressType = 0x04
)

const maxDomainLen = 255

// HashPassword returns the hex-encoded SHA-224 digest of password, as sent
// on the wire ahead of every Trojan request.
func HashPassword(password string) string {
	sum := sha256.Sum224([]byte(password))
	return hex.EncodeToString(sum[:])
}

// BuildRequest assembles a full Trojan request: the password hash, a CRLF,
// the command byte, the destination address, and a trailing CRLF. The
// returned bytes are meant to be written to the TLS connection before any
// payload data.
func BuildRequest(passwordHash string, targetHost string, targetPort uint16, cmd Command) ([]byte, error) {
	buf := make([]byte, 0, len(passwordHash)+2+1+1+1+maxDomainLen+2+2)

	buf = append(buf, []byte(passwordHash)...)
	buf = append(buf, '\r', '\n')
	buf = append(buf, byte(cmd))

	addr, err := encodeAddress(targetHost)
	if err != nil {
		return nil, errors.Wrapf(err, "encode target address %q", targetHost)
	}
	buf = append(buf, addr...)

	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], targetPort)
	buf = append(buf, portBytes[:]...)

	buf = append(buf, '\r', '\n')
	return buf, nil
}

func encodeAddress(host string) ([]byte, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return append([]byte{byte(ATypIPv4)}, v4...), nil
		}
		v6 := ip.To16()
		if v6 == nil {
			return nil, errors.Errorf("unsupported IP address %q", host)
		}
		return append([]byte{byte(ATypIPv6)}, v6...), nil
	}

	if len(host) == 0 || len(host) > maxDomainLen {
		return nil, errors.Errorf("domain %q length must be 1-%d bytes", host, maxDomainLen)
	}
	out := make([]byte, 0, 2+len(host))
	out = append(out, byte(ATypDomain), byte(len(host)))
	out = append(out, host...)
	return out, nil
}
