package api

import (
	"crypto/tls"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// TLSConfig is the certificate pair and protocol floor for the API listener.
type TLSConfig struct {
	CertFile   string
	KeyFile    string
	MinVersion uint16
}

var tlsConfig *TLSConfig

var tlsVersions = map[string]uint16{
	"":    tls.VersionTLS12,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

// InitTLS reads UNIVERSALIS_TLS_CERT, UNIVERSALIS_TLS_KEY and the optional
// UNIVERSALIS_TLS_MIN_VERSION ("1.2" or "1.3"). TLS stays off unless both
// files are named; naming only one is logged and ignored.
func InitTLS() error {
	tlsConfig = nil
	certFile := os.Getenv("UNIVERSALIS_TLS_CERT")
	keyFile := os.Getenv("UNIVERSALIS_TLS_KEY")

	switch {
	case certFile == "" && keyFile == "":
		return nil
	case certFile == "" || keyFile == "":
		logger.Warn("TLS needs both UNIVERSALIS_TLS_CERT and UNIVERSALIS_TLS_KEY, serving plain HTTP")
		return nil
	}

	minVersion, ok := tlsVersions[os.Getenv("UNIVERSALIS_TLS_MIN_VERSION")]
	if !ok {
		return fmt.Errorf("unsupported UNIVERSALIS_TLS_MIN_VERSION %q", os.Getenv("UNIVERSALIS_TLS_MIN_VERSION"))
	}
	tlsConfig = &TLSConfig{CertFile: certFile, KeyFile: keyFile, MinVersion: minVersion}
	return nil
}

// IsTLSEnabled reports whether InitTLS found a certificate pair.
func IsTLSEnabled() bool {
	return tlsConfig != nil && tlsConfig.CertFile != "" && tlsConfig.KeyFile != ""
}

// GetTLSConfig returns the current TLS configuration (may be nil).
func GetTLSConfig() *TLSConfig {
	return tlsConfig
}

// LoadTLSConfig loads the certificate pair. It returns nil, after logging,
// when TLS is off or the files cannot be loaded; the server then falls back
// to plain HTTP.
func LoadTLSConfig() *tls.Config {
	if !IsTLSEnabled() {
		return nil
	}

	cert, err := tls.LoadX509KeyPair(tlsConfig.CertFile, tlsConfig.KeyFile)
	if err != nil {
		logger.Error("load TLS certificate", zap.String("cert", tlsConfig.CertFile), zap.Error(err))
		return nil
	}

	minVersion := tlsConfig.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}
}

// SetTLSConfigForTest allows tests to set TLS config directly.
func SetTLSConfigForTest(cfg *TLSConfig) {
	tlsConfig = cfg
}
