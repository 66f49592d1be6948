package rabbitmq

import (
	"bytes"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	keystore "github.com/pavlo-v-chernykh/keystore-go/v4"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// StoreFormat is the on-disk container format shared by the key and trust stores
type StoreFormat string

const (
	StorePKCS12 StoreFormat = "pkcs12"
	StoreJKS    StoreFormat = "jks"
)

const (
	keyStoreName   = "key store"
	trustStoreName = "trust store"
)

// TLSMaterial locates the key store (client key and certificate) and the
// trust store (broker CA certificates). It is only read at connection time.
type TLSMaterial struct {
	KeyStorePath       string
	KeyStorePassword   string
	TrustStorePath     string
	TrustStorePassword string
	Format             StoreFormat // defaults to StorePKCS12
}

// BuildTLSConfig loads both stores and returns a configuration pinned to TLS 1.2
// presenting the client certificate and trusting only the trust store's CAs.
// It never returns a partially initialized configuration.
func BuildTLSConfig(material TLSMaterial) (*tls.Config, error) {
	format := material.Format
	if format == "" {
		format = StorePKCS12
	}

	var (
		cert  tls.Certificate
		roots []*x509.Certificate
		err   error
	)

	switch format {
	case StorePKCS12:
		cert, err = loadPKCS12KeyStore(material.KeyStorePath, material.KeyStorePassword)
		if err != nil {
			return nil, err
		}
		roots, err = loadPKCS12TrustStore(material.TrustStorePath, material.TrustStorePassword)
	case StoreJKS:
		cert, err = loadJKSKeyStore(material.KeyStorePath, material.KeyStorePassword)
		if err != nil {
			return nil, err
		}
		roots, err = loadJKSTrustStore(material.TrustStorePath, material.TrustStorePassword)
	default:
		return nil, &TLSError{Store: keyStoreName, Err: fmt.Errorf("%w: unknown store format %q", ErrInvalidConfiguration, format)}
	}
	if err != nil {
		return nil, err
	}

	if len(roots) == 0 {
		return nil, &TLSError{Store: trustStoreName, Path: material.TrustStorePath, Err: errors.New("no trusted certificates")}
	}

	pool := x509.NewCertPool()
	for _, c := range roots {
		pool.AddCert(c)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS12,
	}, nil
}

func readStore(store, path string) ([]byte, error) {
	if path == "" {
		return nil, &TLSError{Store: store, Err: fmt.Errorf("%w: path is empty", ErrInvalidConfiguration)}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &TLSError{Store: store, Path: path, Err: err}
	}
	return data, nil
}

func loadPKCS12KeyStore(path, password string) (tls.Certificate, error) {
	data, err := readStore(keyStoreName, path)
	if err != nil {
		return tls.Certificate{}, err
	}

	key, leaf, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return tls.Certificate{}, &TLSError{Store: keyStoreName, Path: path, Err: err}
	}

	cert := tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	for _, c := range chain {
		cert.Certificate = append(cert.Certificate, c.Raw)
	}
	return cert, nil
}

func loadPKCS12TrustStore(path, password string) ([]*x509.Certificate, error) {
	data, err := readStore(trustStoreName, path)
	if err != nil {
		return nil, err
	}

	certs, err := pkcs12.DecodeTrustStore(data, password)
	if err != nil {
		return nil, &TLSError{Store: trustStoreName, Path: path, Err: err}
	}
	return certs, nil
}

func loadJKS(store, path, password string) (keystore.KeyStore, error) {
	data, err := readStore(store, path)
	if err != nil {
		return keystore.KeyStore{}, err
	}

	ks := keystore.New()
	if err := ks.Load(bytes.NewReader(data), []byte(password)); err != nil {
		return keystore.KeyStore{}, &TLSError{Store: store, Path: path, Err: err}
	}
	return ks, nil
}

func loadJKSKeyStore(path, password string) (tls.Certificate, error) {
	ks, err := loadJKS(keyStoreName, path, password)
	if err != nil {
		return tls.Certificate{}, err
	}

	var aliases []string
	for _, alias := range ks.Aliases() {
		if ks.IsPrivateKeyEntry(alias) {
			aliases = append(aliases, alias)
		}
	}
	if len(aliases) != 1 {
		return tls.Certificate{}, &TLSError{Store: keyStoreName, Path: path,
			Err: fmt.Errorf("expected exactly one private key entry, found %d", len(aliases))}
	}

	entry, err := ks.GetPrivateKeyEntry(aliases[0], []byte(password))
	if err != nil {
		return tls.Certificate{}, &TLSError{Store: keyStoreName, Path: path, Err: err}
	}
	if len(entry.CertificateChain) == 0 {
		return tls.Certificate{}, &TLSError{Store: keyStoreName, Path: path,
			Err: fmt.Errorf("entry %q has no certificate chain", aliases[0])}
	}

	key, err := x509.ParsePKCS8PrivateKey(entry.PrivateKey)
	if err != nil {
		return tls.Certificate{}, &TLSError{Store: keyStoreName, Path: path, Err: err}
	}
	if _, ok := key.(crypto.Signer); !ok {
		return tls.Certificate{}, &TLSError{Store: keyStoreName, Path: path,
			Err: fmt.Errorf("unsupported private key type %T", key)}
	}

	cert := tls.Certificate{PrivateKey: key}
	for _, c := range entry.CertificateChain {
		cert.Certificate = append(cert.Certificate, c.Content)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, &TLSError{Store: keyStoreName, Path: path, Err: err}
	}
	cert.Leaf = leaf
	return cert, nil
}

func loadJKSTrustStore(path, password string) ([]*x509.Certificate, error) {
	ks, err := loadJKS(trustStoreName, path, password)
	if err != nil {
		return nil, err
	}

	var certs []*x509.Certificate
	for _, alias := range ks.Aliases() {
		if !ks.IsTrustedCertificateEntry(alias) {
			continue
		}
		entry, err := ks.GetTrustedCertificateEntry(alias)
		if err != nil {
			return nil, &TLSError{Store: trustStoreName, Path: path, Err: err}
		}
		c, err := x509.ParseCertificate(entry.Certificate.Content)
		if err != nil {
			return nil, &TLSError{Store: trustStoreName, Path: path, Err: err}
		}
		certs = append(certs, c)
	}
	return certs, nil
}
