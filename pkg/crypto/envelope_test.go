package crypto

import (
	"encoding/base64"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	kp, err := NewKeyPair()
	if err != nil {
		t.Fatalf("NewKeyPair: %v", err)
	}

	want := map[string]any{
		"ip":               "10.0.0.5",
		"shell_port":       float64(1),
		"iopub_port":       float64(2),
		"stdin_port":       float64(3),
		"hb_port":          float64(4),
		"control_port":     float64(5),
		"kernel_id":        "abc-123",
		"pid":              float64(42),
		"pgid":             float64(42),
		"comm_port":        float64(9999),
		"signature_scheme": "hmac-sha256",
		"transport":        "tcp",
	}

	wire, err := EncodeV1(want, &kp.Private.PublicKey)
	if err != nil {
		t.Fatalf("EncodeV1: %v", err)
	}

	env, err := DecodeOuter(wire)
	if err != nil {
		t.Fatalf("DecodeOuter: %v", err)
	}
	if env.Version != 1 {
		t.Fatalf("expected version 1, got %d", env.Version)
	}

	got, err := DecryptV1(env, kp)
	if err != nil {
		t.Fatalf("DecryptV1: %v", err)
	}

	for k, v := range want {
		if got[k] != v {
			t.Errorf("field %q: got %v, want %v", k, got[k], v)
		}
	}
}

func TestDecryptV1RejectsUnknownVersion(t *testing.T) {
	kp, err := NewKeyPair()
	if err != nil {
		t.Fatalf("NewKeyPair: %v", err)
	}
	env := &Envelope{Version: 2, Key: "x", Connect: "y"}
	_, err = DecryptV1(env, kp)
	if err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestLegacyV0Fallback(t *testing.T) {
	kernelID := "abcdefabcdefabcd0000"
	key := []byte(kernelID)[:16]

	plain := []byte(`{"ip":"127.0.0.1","shell_port":1}`)
	padded := pkcs7Pad(plain, aesBlockSize)
	cipherText, err := aesECBEncrypt(key, padded)
	if err != nil {
		t.Fatalf("aesECBEncrypt: %v", err)
	}
	raw := []byte(base64.StdEncoding.EncodeToString(cipherText))

	obj, gotKID, err := DecryptV0Legacy(raw, []string{"other-kernel-id-000", kernelID})
	if err != nil {
		t.Fatalf("DecryptV0Legacy: %v", err)
	}
	if gotKID != kernelID {
		t.Errorf("got kernel id %q, want %q", gotKID, kernelID)
	}
	if obj["kernel_id"] != kernelID {
		t.Errorf("kernel_id not injected into result: %v", obj)
	}
	if obj["ip"] != "127.0.0.1" {
		t.Errorf("unexpected ip: %v", obj["ip"])
	}
}
