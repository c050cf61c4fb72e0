package crypto

import (
	"strings"
	"testing"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestTokenBox_RoundTrip(t *testing.T) {
	box, err := NewTokenBox(testKey)
	if err != nil {
		t.Fatalf("NewTokenBox: %v", err)
	}

	token := "123456789:AAF-abcDEFghiJKLmnoPQRstuVWXyz123456"
	sealed, err := box.Seal(token)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if strings.Contains(sealed, token) {
		t.Fatal("ciphertext contains plaintext")
	}

	opened, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened != token {
		t.Fatalf("round trip mismatch: %q != %q", opened, token)
	}
}

func TestTokenBox_NonceVaries(t *testing.T) {
	box, _ := NewTokenBox(testKey)
	a, _ := box.Seal("same")
	b, _ := box.Seal("same")
	if a == b {
		t.Fatal("two seals of the same plaintext must differ")
	}
}

func TestTokenBox_TamperDetected(t *testing.T) {
	box, _ := NewTokenBox(testKey)
	sealed, _ := box.Seal("secret")

	tampered := []byte(sealed)
	if tampered[len(tampered)-1] == 'a' {
		tampered[len(tampered)-1] = 'b'
	} else {
		tampered[len(tampered)-1] = 'a'
	}
	if _, err := box.Open(string(tampered)); err == nil {
		t.Fatal("tampered ciphertext must not open")
	}
}

func TestNewTokenBox_RejectsBadKeys(t *testing.T) {
	for _, key := range []string{"", "abcd", "zz" + testKey[2:], testKey + "00"} {
		if _, err := NewTokenBox(key); err == nil {
			t.Fatalf("key %q must be rejected", key)
		}
	}
}

func TestMaskToken(t *testing.T) {
	if got := MaskToken("123456789:AAF-abcDEF"); got != "123456...cDEF" {
		t.Fatalf("MaskToken = %q", got)
	}
	if got := MaskToken("short"); got != "****" {
		t.Fatalf("short token mask = %q", got)
	}
}
