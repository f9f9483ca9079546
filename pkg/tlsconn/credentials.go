package tlsconn

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"golang.org/x/crypto/pkcs12"

	"github.com/sammck-go/kvstransport/pkg/kvserr"
)

// Credentials is the certificate material for one endpoint. Exactly one of RootCA
// and RootCAPath must be set. A client identity for mutual TLS is optional; when
// present it is either a PEM certificate/key pair (inline or by path) or a PKCS#12
// bundle.
type Credentials struct {
	// RootCA is one or more inline PEM CA certificates
	RootCA []byte

	// RootCAPath names a PEM file of CA certificates
	RootCAPath string

	ClientCert []byte
	ClientKey  []byte

	ClientCertPath string
	ClientKeyPath  string

	ClientPKCS12Path     string
	ClientPKCS12Password string
}

func readPEM(inline []byte, path string, what string) ([]byte, error) {
	if len(inline) > 0 {
		return inline, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, kvserr.Wrapf(kvserr.InvalidCredentials, err, "reading %s %q", what, path)
	}
	return b, nil
}

func (c *Credentials) rootPool() (*x509.CertPool, error) {
	hasInline := len(c.RootCA) > 0
	hasPath := c.RootCAPath != ""
	if hasInline == hasPath {
		return nil, kvserr.Errorf(kvserr.BadParameter, "exactly one of inline root CA and root CA path is required")
	}
	pemBytes, err := readPEM(c.RootCA, c.RootCAPath, "root CA")
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, kvserr.Errorf(kvserr.InvalidCredentials, "no PEM certificates found in root CA")
	}
	return pool, nil
}

func (c *Credentials) clientCertificate() (*tls.Certificate, error) {
	hasCert := len(c.ClientCert) > 0 || c.ClientCertPath != ""
	hasKey := len(c.ClientKey) > 0 || c.ClientKeyPath != ""
	hasPKCS12 := c.ClientPKCS12Path != ""

	if hasPKCS12 {
		if hasCert || hasKey {
			return nil, kvserr.Errorf(kvserr.BadParameter, "client identity given both as PKCS#12 and as PEM")
		}
		pfx, err := os.ReadFile(c.ClientPKCS12Path)
		if err != nil {
			return nil, kvserr.Wrapf(kvserr.InvalidCredentials, err, "reading PKCS#12 bundle %q", c.ClientPKCS12Path)
		}
		key, leaf, err := pkcs12.Decode(pfx, c.ClientPKCS12Password)
		if err != nil {
			return nil, kvserr.Wrapf(kvserr.InvalidCredentials, err, "decoding PKCS#12 bundle %q", c.ClientPKCS12Path)
		}
		return &tls.Certificate{
			Certificate: [][]byte{leaf.Raw},
			PrivateKey:  key,
			Leaf:        leaf,
		}, nil
	}

	if !hasCert && !hasKey {
		return nil, nil
	}
	if hasCert != hasKey {
		return nil, kvserr.Errorf(kvserr.BadParameter, "client certificate and private key must be given together")
	}
	certPEM, err := readPEM(c.ClientCert, c.ClientCertPath, "client certificate")
	if err != nil {
		return nil, err
	}
	keyPEM, err := readPEM(c.ClientKey, c.ClientKeyPath, "client private key")
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, kvserr.Wrapf(kvserr.InvalidCredentials, err, "loading client key pair")
	}
	return &cert, nil
}

// TLSConfig loads the credentials into a client *tls.Config. Peer verification is
// always on.
func (c *Credentials) TLSConfig() (*tls.Config, error) {
	if c == nil {
		return nil, kvserr.Errorf(kvserr.BadParameter, "nil credentials")
	}
	pool, err := c.rootPool()
	if err != nil {
		return nil, err
	}
	cert, err := c.clientCertificate()
	if err != nil {
		return nil, err
	}
	config := &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}
	if cert != nil {
		config.Certificates = []tls.Certificate{*cert}
	}
	return config, nil
}
