package tcg

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// CreateTLSConfig builds the client TLS config used by the websocket and AMQP dialers.
// Returns nil when settings is nil or TLS is off. The local cert file holds both the
// certificate and its key.
func CreateTLSConfig(settings *TLSConfig) (*tls.Config, error) {

	if settings == nil || !settings.EnableTLS {
		return nil, nil
	}

	ca, err := os.ReadFile(settings.PEMCertLocation)
	if err != nil {
		return nil, err
	}

	rootCAs := x509.NewCertPool()
	if !rootCAs.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("no certificates found in %s", settings.PEMCertLocation)
	}

	cert, err := tls.LoadX509KeyPair(settings.LocalCertLocation, settings.LocalCertLocation)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		RootCAs:      rootCAs,
		Certificates: []tls.Certificate{cert},
		ServerName:   settings.CertServerName,
	}, nil
}
