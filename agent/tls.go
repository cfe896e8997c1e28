package agent

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
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

// certName is the name in every leaf cert. Clients verify the server against it regardless of the address they dial,
// since the CA is private and authz comes from the client cert.
const certName = "rambo"

// PEM file names used by WriteFiles and LoadCerts.
const (
	CAFile         = "ca.pem"
	ServerCertFile = "server.pem"
	ServerKeyFile  = "server-key.pem"
	ClientCertFile = "client.pem"
	ClientKeyFile  = "client-key.pem"
)

// Certs holds the CA and the leaf certs for mTLS between a Client and a Server.
// Anyone holding the client key can run commands on the server, so handle carefully.
type Certs struct {
	Server Cert
	Client Cert
	CA     CACert
}

// ClientTLSConfig builds the config a Client dials with.
func ClientTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certs found in PEM")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		RootCAs:      caCertPool,
		ServerName:   certName,
		Certificates: []tls.Certificate{cert},
	}
	return cfg, nil
}

// ServerTLSConfig builds the config a Server listens with. Clients must present a cert signed by the CA.
func ServerTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certs found in PEM")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}

	return cfg, nil
}

type CACert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
	x509Cert     *x509.Certificate
	privKey      *rsa.PrivateKey
}

type Cert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
}

func randomSerial() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return serialNumber, nil
}

func encodePEM(typ string, b []byte) ([]byte, error) {
	out := pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: b})
	if out == nil {
		return nil, fmt.Errorf("unable to encode %s to PEM", typ)
	}
	return out, nil
}

func buildCACert(validFor time.Duration) (CACert, error) {
	serialNumber, err := randomSerial()
	if err != nil {
		return CACert{}, err
	}

	caCert := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: "Rambo CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(validFor),
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return CACert{}, fmt.Errorf("generating CA private key: %w", err)
	}

	caBytes, err := x509.CreateCertificate(rand.Reader, caCert, caCert, &caKey.PublicKey, caKey)
	if err != nil {
		return CACert{}, fmt.Errorf("creating x509 cert: %w", err)
	}
	caPEMBytes, err := encodePEM("CERTIFICATE", caBytes)
	if err != nil {
		return CACert{}, err
	}
	caKeyPEMBytes, err := encodePEM("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(caKey))
	if err != nil {
		return CACert{}, err
	}

	return CACert{
		CertPEMBytes: caPEMBytes,
		KeyPEMBytes:  caKeyPEMBytes,
		x509Cert:     caCert,
		privKey:      caKey,
	}, nil
}

func buildCert(ca CACert, usage x509.ExtKeyUsage, validFor time.Duration) (Cert, error) {
	serialNumber, err := randomSerial()
	if err != nil {
		return Cert{}, err
	}
	c := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{CommonName: certName},
		DNSNames:     []string{certName},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Cert{}, fmt.Errorf("generating private key: %w", err)
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &c, ca.x509Cert, &certKey.PublicKey, ca.privKey)
	if err != nil {
		return Cert{}, fmt.Errorf("creating cert: %w", err)
	}
	certPEMBytes, err := encodePEM("CERTIFICATE", certDER)
	if err != nil {
		return Cert{}, err
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(certKey)
	if err != nil {
		return Cert{}, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	keyPEMBytes, err := encodePEM("PRIVATE KEY", keyBytes)
	if err != nil {
		return Cert{}, err
	}

	return Cert{CertPEMBytes: certPEMBytes, KeyPEMBytes: keyPEMBytes}, nil
}

// GenerateCerts generates a fresh CA with one server and one client cert, valid for the given duration.
func GenerateCerts(validFor time.Duration) (*Certs, error) {
	ca, err := buildCACert(validFor)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}
	serverCert, err := buildCert(ca, x509.ExtKeyUsageServerAuth, validFor)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}
	clientCert, err := buildCert(ca, x509.ExtKeyUsageClientAuth, validFor)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}
	return &Certs{Server: serverCert, Client: clientCert, CA: ca}, nil
}

// ServerTLSConfig builds the server side config from c.
func (c *Certs) ServerTLSConfig() (*tls.Config, error) {
	return ServerTLSConfig(c.CA.CertPEMBytes, c.Server.CertPEMBytes, c.Server.KeyPEMBytes)
}

// ClientTLSConfig builds the client side config from c.
func (c *Certs) ClientTLSConfig() (*tls.Config, error) {
	return ClientTLSConfig(c.CA.CertPEMBytes, c.Client.CertPEMBytes, c.Client.KeyPEMBytes)
}

// WriteFiles writes the CA cert and both leaf pairs to dir. The CA key is not written.
func (c *Certs) WriteFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	files := map[string][]byte{
		CAFile:         c.CA.CertPEMBytes,
		ServerCertFile: c.Server.CertPEMBytes,
		ServerKeyFile:  c.Server.KeyPEMBytes,
		ClientCertFile: c.Client.CertPEMBytes,
		ClientKeyFile:  c.Client.KeyPEMBytes,
	}
	for name, b := range files {
		if err := os.WriteFile(filepath.Join(dir, name), b, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

// LoadCerts reads the files written by WriteFiles. Missing leaf files are left empty,
// so a directory holding only one side's pair can still be loaded.
func LoadCerts(dir string) (*Certs, error) {
	read := func(name string, required bool) ([]byte, error) {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		return b, nil
	}

	c := &Certs{}
	var err error
	if c.CA.CertPEMBytes, err = read(CAFile, true); err != nil {
		return nil, err
	}
	if c.Server.CertPEMBytes, err = read(ServerCertFile, false); err != nil {
		return nil, err
	}
	if c.Server.KeyPEMBytes, err = read(ServerKeyFile, false); err != nil {
		return nil, err
	}
	if c.Client.CertPEMBytes, err = read(ClientCertFile, false); err != nil {
		return nil, err
	}
	if c.Client.KeyPEMBytes, err = read(ClientKeyFile, false); err != nil {
		return nil, err
	}
	return c, nil
}
