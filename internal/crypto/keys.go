package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// KeyMaterial holds a study's asymmetric key pair. The public half is
// distributed to client devices at enrollment; the private half stays
// in the object store and is loaded here for decryption only.
type KeyMaterial struct {
	StudyID string
	private *rsa.PrivateKey
	public  *rsa.PublicKey
}

// GenerateKeyMaterial creates a fresh key pair for a study.
func GenerateKeyMaterial(studyID string) (*KeyMaterial, error) {
	private, err := rsa.GenerateKey(rand.Reader, AsymmetricKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate study key pair: %w", err)
	}
	return &KeyMaterial{
		StudyID: studyID,
		private: private,
		public:  &private.PublicKey,
	}, nil
}

// LoadKeyMaterial parses a PEM-encoded private key previously produced
// by MarshalPrivate.
func LoadKeyMaterial(studyID string, pemPrivate []byte) (*KeyMaterial, error) {
	block, _ := pem.Decode(pemPrivate)
	if block == nil {
		return nil, fmt.Errorf("study %s: key material is not PEM encoded", studyID)
	}

	private, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		// enrollment tooling may have written PKCS#8
		parsed, err8 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err8 != nil {
			return nil, fmt.Errorf("study %s: failed to parse private key: %w", studyID, err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("study %s: key material is not an RSA key", studyID)
		}
		private = rsaKey
	}

	if private.Size()*8 != AsymmetricKeyBits {
		return nil, fmt.Errorf("study %s: key is %d bits, want %d", studyID, private.Size()*8, AsymmetricKeyBits)
	}

	return &KeyMaterial{
		StudyID: studyID,
		private: private,
		public:  &private.PublicKey,
	}, nil
}

// MarshalPrivate serializes the private half as PKCS#1 PEM.
func (km *KeyMaterial) MarshalPrivate() ([]byte, error) {
	if km.private == nil {
		return nil, fmt.Errorf("study %s: no private key to marshal", km.StudyID)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(km.private),
	}), nil
}

// MarshalPublic serializes the public half as PKIX PEM for
// distribution to client devices.
func (km *KeyMaterial) MarshalPublic() ([]byte, error) {
	if km.public == nil {
		return nil, fmt.Errorf("study %s: no public key to marshal", km.StudyID)
	}
	der, err := x509.MarshalPKIXPublicKey(km.public)
	if err != nil {
		return nil, fmt.Errorf("study %s: failed to marshal public key: %w", km.StudyID, err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: der,
	}), nil
}
