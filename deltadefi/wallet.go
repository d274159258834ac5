package deltadefi

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/pbkdf2"
)

// The operation key arrives as base64(salt | nonce | ciphertext): a 16-byte
// PBKDF2 salt, a 12-byte GCM nonce, then the AES-256-GCM ciphertext of the
// hex-encoded Ed25519 seed.
const (
	opKeySaltSize   = 16
	opKeyNonceSize  = 12
	opKeyIterations = 210000
)

// OperationKey is the decrypted account signing key. It signs order
// transactions locally; the plaintext key never goes back to the venue.
type OperationKey struct {
	priv ed25519.PrivateKey
}

func deriveKey(passcode string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passcode), salt, opKeyIterations, 32, sha256.New)
}

// DecryptOperationKey decrypts the encrypted key blob with the account
// passcode.
func DecryptOperationKey(encrypted, passcode string) (*OperationKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decode operation key blob: %w", err)
	}
	if len(raw) < opKeySaltSize+opKeyNonceSize+1 {
		return nil, errors.New("operation key blob too short")
	}
	salt := raw[:opKeySaltSize]
	nonce := raw[opKeySaltSize : opKeySaltSize+opKeyNonceSize]
	ciphertext := raw[opKeySaltSize+opKeyNonceSize:]

	block, err := aes.NewCipher(deriveKey(passcode, salt))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, opKeyNonceSize)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("operation key decryption failed: wrong passcode or corrupt blob")
	}

	seed, err := hex.DecodeString(string(plaintext))
	if err != nil {
		return nil, fmt.Errorf("decode operation key seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("operation key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &OperationKey{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// EncryptOperationKey is the inverse of DecryptOperationKey. The venue
// performs this server-side; the client implementation exists for tests
// and local tooling.
func EncryptOperationKey(seed []byte, passcode string) (string, error) {
	if len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	salt := make([]byte, opKeySaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	block, err := aes.NewCipher(deriveKey(passcode, salt))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, opKeyNonceSize)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, opKeyNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(hex.EncodeToString(seed)), nil)

	out := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// SignTx signs the hex-encoded transaction body and returns the signed
// transaction as hex(body | pubkey | signature). The signature covers the
// blake2b-256 hash of the body.
func (k *OperationKey) SignTx(txHex string) (string, error) {
	if k == nil || k.priv == nil {
		return "", ErrOperationKeyNotLoaded
	}
	body, err := hex.DecodeString(txHex)
	if err != nil {
		return "", fmt.Errorf("decode tx hex: %w", err)
	}
	if len(body) == 0 {
		return "", errors.New("tx body is empty")
	}
	digest := blake2b.Sum256(body)
	sig := ed25519.Sign(k.priv, digest[:])

	signed := make([]byte, 0, len(body)+ed25519.PublicKeySize+ed25519.SignatureSize)
	signed = append(signed, body...)
	signed = append(signed, k.priv.Public().(ed25519.PublicKey)...)
	signed = append(signed, sig...)
	return hex.EncodeToString(signed), nil
}

// PublicKey returns the hex-encoded verification key.
func (k *OperationKey) PublicKey() string {
	if k == nil || k.priv == nil {
		return ""
	}
	return hex.EncodeToString(k.priv.Public().(ed25519.PublicKey))
}

// VerifySignedTx checks a signed transaction produced by SignTx. Used in
// tests and by paper-trading mode to validate signing without submission.
func VerifySignedTx(signedHex string) (bool, error) {
	raw, err := hex.DecodeString(signedHex)
	if err != nil {
		return false, err
	}
	if len(raw) <= ed25519.PublicKeySize+ed25519.SignatureSize {
		return false, errors.New("signed tx too short")
	}
	bodyLen := len(raw) - ed25519.PublicKeySize - ed25519.SignatureSize
	body := raw[:bodyLen]
	pub := ed25519.PublicKey(raw[bodyLen : bodyLen+ed25519.PublicKeySize])
	sig := raw[bodyLen+ed25519.PublicKeySize:]
	digest := blake2b.Sum256(body)
	return ed25519.Verify(pub, digest[:], sig), nil
}
