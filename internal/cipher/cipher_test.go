package cipher

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func testKeys() map[string][]byte {
	return map[string][]byte{
		"k1": bytes.Repeat([]byte{0x11}, 32),
		"k2": bytes.Repeat([]byte{0x22}, 32),
	}
}

func TestSealOpenBothAlgorithms(t *testing.T) {
	for _, alg := range []Algorithm{AES256GCM, XChaCha20Poly1305} {
		t.Run(string(alg), func(t *testing.T) {
			k, err := NewKeyring(testKeys(), "k1", alg)
			if err != nil {
				t.Fatalf("NewKeyring: %v", err)
			}
			id, sealed, err := k.Seal([]byte("tachycardia"), []byte("seq:1"))
			if err != nil {
				t.Fatalf("Seal: %v", err)
			}
			if id != "k1" {
				t.Fatalf("expected active key k1, got %s", id)
			}
			if bytes.Contains(sealed, []byte("tachycardia")) {
				t.Fatal("plaintext visible in sealed output")
			}
			plain, err := k.Open(id, sealed, []byte("seq:1"))
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if string(plain) != "tachycardia" {
				t.Fatalf("expected round trip, got %q", plain)
			}
		})
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	k, _ := NewKeyring(testKeys(), "k1", AES256GCM)
	_, a, _ := k.Seal([]byte("same"), nil)
	_, b, _ := k.Seal([]byte("same"), nil)
	if bytes.Equal(a, b) {
		t.Fatal("two seals of the same plaintext must differ")
	}
}

func TestOpenRejectsWrongAAD(t *testing.T) {
	k, _ := NewKeyring(testKeys(), "k1", XChaCha20Poly1305)
	id, sealed, _ := k.Seal([]byte("hsi 30"), []byte("seq:7"))
	if _, err := k.Open(id, sealed, []byte("seq:8")); err == nil {
		t.Fatal("expected authentication failure when aad differs")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	k, _ := NewKeyring(testKeys(), "k1", AES256GCM)
	id, sealed, _ := k.Seal([]byte("payload"), nil)
	sealed[len(sealed)-1] ^= 0xff
	if _, err := k.Open(id, sealed, nil); err == nil {
		t.Fatal("expected authentication failure on tampered ciphertext")
	}
	if _, err := k.Open(id, []byte{1, 2}, nil); !errors.Is(err, ErrShortInput) {
		t.Fatalf("expected ErrShortInput, got %v", err)
	}
}

func TestRotationKeepsOldRecordsReadable(t *testing.T) {
	old, _ := NewKeyring(testKeys(), "k1", AES256GCM)
	id, sealed, _ := old.Seal([]byte("rationale"), nil)

	rotated, _ := NewKeyring(testKeys(), "k2", AES256GCM)
	if rotated.ActiveKeyID() != "k2" {
		t.Fatalf("expected k2 active, got %s", rotated.ActiveKeyID())
	}
	plain, err := rotated.Open(id, sealed, nil)
	if err != nil || string(plain) != "rationale" {
		t.Fatalf("expected old record readable after rotation, got %q, %v", plain, err)
	}

	retired, _ := NewKeyring(map[string][]byte{"k2": testKeys()["k2"]}, "k2", AES256GCM)
	if _, err := retired.Open(id, sealed, nil); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestNewKeyringValidation(t *testing.T) {
	if _, err := NewKeyring(nil, "k1", AES256GCM); err == nil {
		t.Error("expected error for no keys")
	}
	if _, err := NewKeyring(testKeys(), " ", AES256GCM); err == nil {
		t.Error("expected error for blank active id")
	}
	if _, err := NewKeyring(testKeys(), "k9", AES256GCM); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("expected ErrUnknownKey, got %v", err)
	}
	if _, err := NewKeyring(map[string][]byte{"k1": []byte("short")}, "k1", AES256GCM); err == nil {
		t.Error("expected error for short root key")
	}
	if _, err := NewKeyring(testKeys(), "k1", "rot13"); err == nil {
		t.Error("expected error for unsupported algorithm")
	}
}

func TestParseKeys(t *testing.T) {
	a := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 32))
	b := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{2}, 32))

	keys, err := ParseKeys("k1=" + a + ", k2=" + b + ",")
	if err != nil {
		t.Fatalf("ParseKeys: %v", err)
	}
	if len(keys) != 2 || keys["k2"][0] != 2 {
		t.Fatalf("unexpected keys %v", keys)
	}

	for _, bad := range []string{"", "k1", "=abc", "k1=!!!"} {
		if _, err := ParseKeys(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestGenerateKey(t *testing.T) {
	s, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	keys, err := ParseKeys("dev=" + s)
	if err != nil {
		t.Fatalf("ParseKeys: %v", err)
	}
	if _, err := NewKeyring(keys, "dev", XChaCha20Poly1305); err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
}
