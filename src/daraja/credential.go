package daraja

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	_ "embed"
	"encoding/base64"
	"encoding/pem"
	"os"

	"github.com/dotpay/backend/src/apperrors"
)

// sandboxCertificate is the provider's published sandbox public certificate,
// bundled so sandbox deployments need no MPESA_CERT_PATH.
//
//go:embed certs/SandboxCertificate.cer
var sandboxCertificate []byte

// validCredentialLengths are the RSA ciphertext sizes the provider accepts
// (1024/1536/2048/3072/4096-bit keys).
var validCredentialLengths = map[int]bool{128: true, 192: true, 256: true, 384: true, 512: true}

// DeriveSecurityCredential RSA-encrypts the initiator password with PKCS#1
// v1.5 under the provider's X.509 certificate and base64-encodes it. An empty
// certPath selects the bundled sandbox certificate.
func DeriveSecurityCredential(initiatorPassword string, certPath string) (string, error) {
	if initiatorPassword == "" {
		return "", apperrors.Config("initiator password is required to derive the security credential")
	}
	raw := sandboxCertificate
	if certPath != "" {
		var err error
		raw, err = os.ReadFile(certPath)
		if err != nil {
			return "", apperrors.Config("failed to read provider certificate %s: %v", certPath, err)
		}
	}
	pub, err := parseCertificatePublicKey(raw)
	if err != nil {
		return "", err
	}
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(initiatorPassword))
	if err != nil {
		return "", apperrors.Config("failed to encrypt initiator password: %v", err)
	}
	if !validCredentialLengths[len(ciphertext)] {
		return "", apperrors.Config("security credential ciphertext has invalid length %d", len(ciphertext))
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// ValidateSecurityCredential checks a pre-provided credential decodes to a
// valid RSA ciphertext size.
func ValidateSecurityCredential(credential string) error {
	decoded, err := base64.StdEncoding.DecodeString(credential)
	if err != nil {
		return apperrors.Config("security credential is not valid base64: %v", err)
	}
	if !validCredentialLengths[len(decoded)] {
		return apperrors.Config("security credential decodes to invalid length %d", len(decoded))
	}
	return nil
}

func parseCertificatePublicKey(raw []byte) (*rsa.PublicKey, error) {
	der := raw
	if block, _ := pem.Decode(raw); block != nil {
		der = block.Bytes
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, apperrors.Config("failed to parse provider certificate: %v", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, apperrors.Config("provider certificate does not carry an RSA public key")
	}
	return pub, nil
}
