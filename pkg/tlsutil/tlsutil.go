// Package tlsutil provides the server's TLS certificate handling: load a
// cert/key pair from disk, or generate a self-signed one for local/dev use
// when none is configured.
package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

const (
	selfSignedValidity = 825 * 24 * time.Hour // matches CA/Browser Forum's max leaf lifetime
	serverKeySize      = 2048
)

// LoadOrGenerate loads a cert/key pair from certPath/keyPath if both exist,
// generating and persisting a self-signed pair otherwise. hosts seeds the
// generated certificate's DNS/IP SANs (ignored when loading an existing pair).
func LoadOrGenerate(certPath, keyPath string, hosts []string) (tls.Certificate, error) {
	if certPath != "" && keyPath != "" {
		if _, err := os.Stat(certPath); err == nil {
			if _, err := os.Stat(keyPath); err == nil {
				cert, err := tls.LoadX509KeyPair(certPath, keyPath)
				if err != nil {
					return tls.Certificate{}, fmt.Errorf("loading tls cert/key: %w", err)
				}
				return cert, nil
			}
		}
	}

	certPEM, keyPEM, err := GenerateSelfSigned(hosts)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generating self-signed cert: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parsing generated cert/key: %w", err)
	}

	if certPath != "" && keyPath != "" {
		if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
			return tls.Certificate{}, fmt.Errorf("writing generated cert: %w", err)
		}
		if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
			return tls.Certificate{}, fmt.Errorf("writing generated key: %w", err)
		}
	}

	return cert, nil
}

// GenerateSelfSigned returns a PEM-encoded self-signed certificate and
// private key valid for the given hostnames/IPs.
func GenerateSelfSigned(hosts []string) (certPEM, keyPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, serverKeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generating serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Stormcloud Backup"},
			CommonName:   "stormcloud-server",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if len(hosts) == 0 {
		hosts = []string{"localhost"}
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, nil
}
