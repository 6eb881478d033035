package pahomqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/studiolambda/greenspool/contract"
)

// BuildTLSConfig turns a contract.ClientTLSConfig (device certificate,
// private key, root CA, all PEM-encoded) into a *tls.Config a Factory
// can dial with. Nothing in this module calls it; reconfig.Controller
// only stores the rebuilt contract.ClientTLSConfig and exposes it
// through its TLSConfig method.
func BuildTLSConfig(cfg contract.ClientTLSConfig) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(cfg.CertificatePEM, cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("pahomqtt: loading client certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(cfg.RootCAPEM) {
		return nil, fmt.Errorf("pahomqtt: no usable root CA certificates in PEM bundle")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   cfg.ServerName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
