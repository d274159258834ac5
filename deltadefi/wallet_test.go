package deltadefi

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"
)

func newTestSeed(t *testing.T) []byte {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("generate seed: %v", err)
	}
	return seed
}

func TestOperationKeyRoundTrip(t *testing.T) {
	seed := newTestSeed(t)

	blob, err := EncryptOperationKey(seed, "correct horse")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	key, err := DecryptOperationKey(blob, "correct horse")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	want := hex.EncodeToString(ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey))
	if key.PublicKey() != want {
		t.Errorf("public key mismatch: got %s, want %s", key.PublicKey(), want)
	}
}

func TestDecryptOperationKeyWrongPasscode(t *testing.T) {
	blob, err := EncryptOperationKey(newTestSeed(t), "right")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := DecryptOperationKey(blob, "wrong"); err == nil {
		t.Fatal("expected error for wrong passcode")
	}
}

func TestDecryptOperationKeyBadBlob(t *testing.T) {
	cases := []string{
		"",
		"not base64!!!",
		"c2hvcnQ=", // valid base64, too short for salt + nonce
	}
	for _, blob := range cases {
		if _, err := DecryptOperationKey(blob, "pass"); err == nil {
			t.Errorf("expected error for blob %q", blob)
		}
	}
}

func TestSignTx(t *testing.T) {
	key, err := DecryptOperationKey(mustEncrypt(t, newTestSeed(t), "p"), "p")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	body := []byte("unsigned transaction body")
	signed, err := key.SignTx(hex.EncodeToString(body))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	ok, err := VerifySignedTx(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Error("signature did not verify")
	}

	raw, _ := hex.DecodeString(signed)
	wantLen := len(body) + ed25519.PublicKeySize + ed25519.SignatureSize
	if len(raw) != wantLen {
		t.Errorf("signed tx length: got %d, want %d", len(raw), wantLen)
	}
}

func TestSignTxInvalidInput(t *testing.T) {
	key, err := DecryptOperationKey(mustEncrypt(t, newTestSeed(t), "p"), "p")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	if _, err := key.SignTx("zz not hex"); err == nil {
		t.Error("expected error for non-hex body")
	}
	if _, err := key.SignTx(""); err == nil {
		t.Error("expected error for empty body")
	}

	var nilKey *OperationKey
	if _, err := nilKey.SignTx("00"); err != ErrOperationKeyNotLoaded {
		t.Errorf("expected ErrOperationKeyNotLoaded, got %v", err)
	}
}

func TestVerifySignedTxTampered(t *testing.T) {
	key, err := DecryptOperationKey(mustEncrypt(t, newTestSeed(t), "p"), "p")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	signed, err := key.SignTx(hex.EncodeToString([]byte("body")))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	raw, _ := hex.DecodeString(signed)
	raw[0] ^= 0xff
	ok, err := VerifySignedTx(hex.EncodeToString(raw))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Error("tampered tx should not verify")
	}
}

func mustEncrypt(t *testing.T, seed []byte, passcode string) string {
	t.Helper()
	blob, err := EncryptOperationKey(seed, passcode)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return blob
}
