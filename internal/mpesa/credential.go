package mpesa

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"
)

// SecurityCredential encrypts the initiator password with the provider certificate
// (RSA PKCS#1 v1.5) and base64-encodes the ciphertext. Without a usable
// certificate it fails unless the insecure fallback is enabled, in which case
// the password is only base64-encoded.
func (c *Client) SecurityCredential(ctx context.Context) (string, error) {
	pub, err := loadPublicKey(c.opts.CertificatePath)
	if err != nil {
		if !c.opts.AllowInsecureCredentialFallback {
			c.logger.ErrorContext(ctx, "Security credential unavailable", "certificate", c.opts.CertificatePath, "error", err)
			return "", newError(KindCredential, "security_credential", 0, err)
		}
		c.logger.WarnContext(ctx, "Provider certificate unavailable, using base64 password as security credential",
			"certificate", c.opts.CertificatePath, "error", err)
		return base64.StdEncoding.EncodeToString([]byte(c.opts.InitiatorPassword)), nil
	}

	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(c.opts.InitiatorPassword))
	if err != nil {
		return "", newError(KindCredential, "security_credential", 0, errors.Wrap(err, "encrypt initiator password"))
	}

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, ErrCertificateUnavailable
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(ErrCertificateUnavailable, err.Error())
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Wrap(ErrCertificateUnavailable, "no PEM block found")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse certificate")
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("certificate does not carry an RSA public key")
	}

	return pub, nil
}
