package transport

import (
	"crypto/x509"
	"os"

	"github.com/pkg/errors"
)

func loadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read CA cert file")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.New("no certificates parsed from CA cert file")
	}
	return pool, nil
}
