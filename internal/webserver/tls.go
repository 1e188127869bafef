package webserver

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
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	selfSignedCert = "self-signed.crt"
	selfSignedKey  = "self-signed.key"
	selfSignedLife = 10 * 365 * 24 * time.Hour
)

// buildTLS returns nil when TLS is off.
func buildTLS(cfg TLSConfig, host string) (*tls.Config, error) {
	switch cfg.Mode {
	case "":
		return nil, nil
	case "self-signed":
		if cfg.CacheDir == "" {
			return nil, errors.New("self-signed TLS needs a cert cache dir")
		}
		return selfSignedTLS(cfg.CacheDir, host)
	case "manual":
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, errors.New("manual TLS needs certFile and keyFile")
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}
	return nil, fmt.Errorf("unknown tls mode %q", cfg.Mode)
}

// selfSignedTLS loads the cached self-signed pair from cacheDir, creating
// it on first use and replacing it when it cannot be loaded.
func selfSignedTLS(cacheDir, host string) (*tls.Config, error) {
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return nil, err
	}
	certFile := filepath.Join(cacheDir, selfSignedCert)
	keyFile := filepath.Join(cacheDir, selfSignedKey)

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		if err := writeSelfSigned(certFile, keyFile, host); err != nil {
			return nil, fmt.Errorf("generate self-signed cert: %w", err)
		}
		if cert, err = tls.LoadX509KeyPair(certFile, keyFile); err != nil {
			return nil, err
		}
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// writeSelfSigned issues an ECDSA P-256 server cert valid for localhost,
// 127.0.0.1 and host (an IP or a DNS name; empty or 0.0.0.0 adds nothing).
func writeSelfSigned(certFile, keyFile, host string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return err
	}

	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"notify-overlay"}, CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(selfSignedLife),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	if ip := net.ParseIP(host); ip != nil {
		if !ip.IsUnspecified() && !ip.Equal(tmpl.IPAddresses[0]) {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		}
	} else if host != "" && host != "localhost" {
		tmpl.DNSNames = append(tmpl.DNSNames, host)
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return os.WriteFile(keyFile, keyPEM, 0600)
}
