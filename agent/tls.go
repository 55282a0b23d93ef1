package agent

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// tlsServerName is the name in every generated cert. Clients dial the agent's real
// address but verify against this name, so certs don't depend on where the agent runs.
const tlsServerName = "modrelay"

// Certs contains the TLS client and server certs and keys for configuring mTLS on the client and server.
// This contains the secrets necessary for authz, so handle carefully.
type Certs struct {
	Server Cert
	Client Cert
	CA     CACert
}

type CACert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
	x509Cert     *x509.Certificate
	privKey      *ecdsa.PrivateKey
}

type Cert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
}

func certPool(caCertPEM []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no certificates found in CA PEM")
	}
	return pool, nil
}

func ClientTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool, err := certPool(caCertPEM)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		RootCAs:      pool,
		ServerName:   tlsServerName,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func ServerTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool, err := certPool(caCertPEM)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return serial, nil
}

func encodeKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func buildCACert(validFor time.Duration) (CACert, error) {
	serial, err := randomSerial()
	if err != nil {
		return CACert{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "modrelay CA"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validFor),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return CACert{}, fmt.Errorf("generating CA private key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return CACert{}, fmt.Errorf("creating CA cert: %w", err)
	}
	keyPEM, err := encodeKey(key)
	if err != nil {
		return CACert{}, err
	}
	return CACert{
		CertPEMBytes: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEMBytes:  keyPEM,
		x509Cert:     tmpl,
		privKey:      key,
	}, nil
}

func buildCert(ca CACert, cn string, usage x509.ExtKeyUsage, validFor time.Duration) (Cert, error) {
	serial, err := randomSerial()
	if err != nil {
		return Cert{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     []string{tlsServerName},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Cert{}, fmt.Errorf("generating private key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.x509Cert, &key.PublicKey, ca.privKey)
	if err != nil {
		return Cert{}, fmt.Errorf("creating cert: %w", err)
	}
	keyPEM, err := encodeKey(key)
	if err != nil {
		return Cert{}, err
	}
	return Cert{
		CertPEMBytes: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEMBytes:  keyPEM,
	}, nil
}

// GenerateCerts generates a CA plus a server and client cert signed by it, valid for validFor.
func GenerateCerts(validFor time.Duration) (*Certs, error) {
	ca, err := buildCACert(validFor)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}
	server, err := buildCert(ca, "modrelay server", x509.ExtKeyUsageServerAuth, validFor)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}
	client, err := buildCert(ca, "modrelay client", x509.ExtKeyUsageClientAuth, validFor)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}
	return &Certs{CA: ca, Server: server, Client: client}, nil
}

var certFiles = []string{"ca.pem", "server.pem", "server-key.pem", "client.pem", "client-key.pem"}

func (c *Certs) files() [][]byte {
	return [][]byte{c.CA.CertPEMBytes, c.Server.CertPEMBytes, c.Server.KeyPEMBytes, c.Client.CertPEMBytes, c.Client.KeyPEMBytes}
}

// WriteDir writes the bundle into dir as ca.pem, server.pem, server-key.pem, client.pem and client-key.pem.
// The CA key is not written, so no further certs can be signed.
func (c *Certs) WriteDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating cert dir: %w", err)
	}
	for i, b := range c.files() {
		p := filepath.Join(dir, certFiles[i])
		if err := os.WriteFile(p, b, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", p, err)
		}
	}
	return nil
}

// ReadPEMFile reads a PEM file, returning nil for an empty path.
func ReadPEMFile(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return b, nil
}

// ReadClientCerts loads the client half of a bundle written by WriteDir.
func ReadClientCerts(dir string) (*Certs, error) {
	var b [3][]byte
	for i, name := range []string{"ca.pem", "client.pem", "client-key.pem"} {
		pemBytes, err := ReadPEMFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		b[i] = pemBytes
	}
	return &Certs{
		CA:     CACert{CertPEMBytes: b[0]},
		Client: Cert{CertPEMBytes: b[1], KeyPEMBytes: b[2]},
	}, nil
}
