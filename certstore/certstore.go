// Package certstore mints self-signed TLS certificates in memory. It has no
// role in the production relay path (the Trojan upstream's certificate is
// its own concern), but stands up a real local TLS listener so that the
// heartbeat prober's tests run against something other than a mock.
package certstore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"strings"
	"time"
)

// SelfSigned holds an in-memory self-signed certificate/key pair for host.
type SelfSigned struct {
	Certificate tls.Certificate
}

// Generate mints a fresh self-signed ECDSA certificate valid for host
// (a DNS name or literal IP) for one hour, entirely in memory.
func Generate(host string) (*SelfSigned, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"pyproxy test fixture"},
			CommonName:   host,
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = append(template.IPAddresses, ip)
	} else {
		template.DNSNames = append(template.DNSNames, host)
		if !strings.HasPrefix(host, "www.") {
			template.DNSNames = append(template.DNSNames, "www."+host)
		}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, err
	}

	tlsCert := tls.Certificate{
		Certificate: [][]byte{derBytes},
		PrivateKey:  privateKey,
	}

	return &SelfSigned{Certificate: tlsCert}, nil
}

// Listener wraps l so that every accepted connection performs a TLS server
// handshake using cert. Intended for test servers that stand in for the
// Trojan upstream.
func Listener(l net.Listener, cert *SelfSigned) net.Listener {
	return tls.NewListener(l, &tls.Config{
		Certificates: []tls.Certificate{cert.Certificate},
	})
}
