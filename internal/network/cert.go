package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// certValidity is the lifetime of a transport certificate.
const certValidity = 365 * 24 * time.Hour

var (
	// ErrNoPeerCertificate is returned when a peer presented no certificate.
	ErrNoPeerCertificate = errors.New("no peer certificate")

	// ErrPeerKeyType is returned when a peer certificate is not ed25519.
	ErrPeerKeyType = errors.New("peer certificate key is not ed25519")
)

// identityCertificate wraps the transport key in a self-signed certificate.
func identityCertificate(key ed25519.PrivateKey) (tls.Certificate, error) {
	pub := key.Public().(ed25519.PublicKey)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial:\n%w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: fmt.Sprintf("ethy-%x", pub[:8])},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate:\n%w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse certificate:\n%w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// transportTLS returns the TLS configuration shared by dialing and listening.
// Chain verification is replaced by verifyPeerCertificate.
func transportTLS(key ed25519.PrivateKey) (*tls.Config, error) {
	cert, err := identityCertificate(key)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		ClientAuth:            tls.RequireAnyClientCert,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyPeerCertificate,
		NextProtos:            []string{alpnProtocol},
		MinVersion:            tls.VersionTLS13,
	}, nil
}

// verifyPeerCertificate checks that the peer leaf is a current, self-signed ed25519 certificate.
func verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return ErrNoPeerCertificate
	}

	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("parse peer certificate:\n%w", err)
	}

	if _, ok := cert.PublicKey.(ed25519.PublicKey); !ok {
		return ErrPeerKeyType
	}

	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fmt.Errorf("peer certificate expired or not yet valid")
	}

	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return fmt.Errorf("check peer certificate signature:\n%w", err)
	}

	return nil
}

// peerIdentity returns the ed25519 key of the peer's leaf certificate.
func peerIdentity(state tls.ConnectionState) (ed25519.PublicKey, error) {
	if len(state.PeerCertificates) == 0 {
		return nil, ErrNoPeerCertificate
	}

	pub, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, ErrPeerKeyType
	}

	return pub, nil
}
