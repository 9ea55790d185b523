package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/youmark/pkcs8"
)

var ErrNoKeyMaterial = errors.New("client key material is empty or not PEM")

// ClientKey is loaded TLS client certificate material. Protected reports
// whether the private key requires a passphrase; the passphrase itself is
// resolved lazily by the connection, at most once.
type ClientKey struct {
	CertPEM   []byte
	KeyPEM    []byte
	Protected bool
}

// LoadClientKey inspects the key PEM and derives the Protected flag.
// A key is protected when its block is an "ENCRYPTED PRIVATE KEY" PKCS#8
// envelope or carries the legacy "Proc-Type: 4,ENCRYPTED" header.
func LoadClientKey(certPEM, keyPEM []byte) (*ClientKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, ErrNoKeyMaterial
	}
	if cert, _ := pem.Decode(certPEM); cert == nil {
		return nil, ErrNoKeyMaterial
	}

	protected := block.Type == "ENCRYPTED PRIVATE KEY" ||
		block.Headers["Proc-Type"] == "4,ENCRYPTED"

	return &ClientKey{CertPEM: certPEM, KeyPEM: keyPEM, Protected: protected}, nil
}

// Certificate assembles the tls.Certificate, decrypting the private key
// with passphrase when the key is protected.
func (k *ClientKey) Certificate(passphrase string) (tls.Certificate, error) {
	if !k.Protected {
		cert, err := tls.X509KeyPair(k.CertPEM, k.KeyPEM)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("loading client key pair: %w", err)
		}

		return cert, nil
	}

	block, _ := pem.Decode(k.KeyPEM)
	if block == nil {
		return tls.Certificate{}, ErrNoKeyMaterial
	}

	var (
		key any
		err error
	)
	switch {
	case block.Type == "ENCRYPTED PRIVATE KEY":
		key, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(passphrase))
	default:
		var der []byte
		der, err = x509.DecryptPEMBlock(block, []byte(passphrase)) //nolint:staticcheck // legacy RFC 1423 keys still exist in the wild
		if err == nil {
			key, err = parseKeyDER(der)
		}
	}
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decrypting client key: %w", err)
	}

	cert := tls.Certificate{PrivateKey: key}
	rest := k.CertPEM
	for {
		var b *pem.Block
		b, rest = pem.Decode(rest)
		if b == nil {
			break
		}
		if b.Type == "CERTIFICATE" {
			cert.Certificate = append(cert.Certificate, b.Bytes)
		}
	}
	if len(cert.Certificate) == 0 {
		return tls.Certificate{}, ErrNoKeyMaterial
	}

	return cert, nil
}

func parseKeyDER(der []byte) (any, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}

	return nil, errors.New("unsupported private key format")
}
