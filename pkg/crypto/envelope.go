package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/kubermatic/remote-kernel-provisioner/pkg/perrors"
)

const aesBlockSize = 16

// Envelope is the outer, base64-decoded JSON object a launcher posts,
// per spec.md §3.
type Envelope struct {
	Version int    `json:"version"`
	Key     string `json:"key"`
	Connect string `json:"conn_info"`
}

// DecodeOuter base64-decodes the wire envelope and parses its JSON.
// Returns perrors.InvariantError when the envelope cannot be parsed at
// all (distinct from a missing/unsupported version, which callers
// detect on the returned Envelope.Version).
func DecodeOuter(raw []byte) (*Envelope, error) {
	decoded, err := decodeBase64(string(bytes.TrimSpace(raw)))
	if err != nil {
		return nil, perrors.InvariantError("", "outer envelope is not valid base64: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(decoded, &env); err != nil {
		return nil, perrors.InvariantError("", "outer envelope is not valid JSON: %v", err)
	}
	return &env, nil
}

// DecryptV1 implements the v1 decryption algorithm from spec.md §4.B:
// RSA-unwrap the AES key, AES-ECB decrypt conn_info, PKCS7-unpad, and
// parse the resulting UTF-8 JSON into a generic map so callers can
// pull out kernel_id/pid/pgid/comm_port alongside the connection info
// fields.
func DecryptV1(env *Envelope, priv *KeyPair) (map[string]any, error) {
	if env.Version != 1 {
		return nil, perrors.InvariantError("", "unexpected envelope version %d", env.Version)
	}

	keyCipher, err := decodeBase64(env.Key)
	if err != nil {
		return nil, fmt.Errorf("key field is not valid base64: %w", err)
	}
	aesKey, err := priv.DecryptAESKey(keyCipher)
	if err != nil {
		return nil, fmt.Errorf("failed to RSA-decrypt AES key: %w", err)
	}

	connCipher, err := decodeBase64(env.Connect)
	if err != nil {
		return nil, fmt.Errorf("conn_info field is not valid base64: %w", err)
	}

	plain, err := aesECBDecrypt(aesKey, connCipher)
	if err != nil {
		return nil, err
	}
	plain, err = pkcs7Unpad(plain, aesBlockSize)
	if err != nil {
		return nil, err
	}

	var obj map[string]any
	if err := json.Unmarshal(plain, &obj); err != nil {
		return nil, fmt.Errorf("decrypted conn_info is not valid JSON: %w", err)
	}
	return obj, nil
}

// DecryptV0Legacy implements the deprecated v0 fallback from
// spec.md §4.B: the payload is purely AES-ECB(JSON) keyed by the
// first 16 bytes of a candidate kernel_id. Candidates shorter than 16
// bytes are skipped; the rest are tried in the order given. A
// plaintext whose PKCS7 padding does not check out is kept unpadded
// as is, and the first candidate whose plaintext (trailing NULs
// trimmed) ends in '}' and parses as JSON is accepted and its
// kernel_id injected into the result.
func DecryptV0Legacy(raw []byte, candidateKernelIDs []string) (map[string]any, string, error) {
	data, err := decodeBase64(string(bytes.TrimSpace(raw)))
	if err != nil {
		return nil, "", perrors.InvariantError("", "legacy payload is not valid base64: %v", err)
	}

	var lastErr error
	for _, kid := range candidateKernelIDs {
		key := []byte(kid)
		if len(key) > aesBlockSize {
			key = key[:aesBlockSize]
		} else if len(key) < aesBlockSize {
			continue
		}

		plain, err := aesECBDecrypt(key, data)
		if err != nil {
			lastErr = err
			continue
		}
		unpadded, err := pkcs7Unpad(plain, aesBlockSize)
		if err != nil {
			// Fall back to the raw trailing-brace heuristic the
			// original implementation relies on when padding looks
			// wrong but the plaintext nonetheless parses.
			unpadded = plain
		}
		trimmed := bytes.TrimRight(unpadded, "\x00")
		if len(trimmed) == 0 || trimmed[len(trimmed)-1] != '}' {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			lastErr = err
			continue
		}
		obj["kernel_id"] = kid
		return obj, kid, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no registered kernel_id decrypted the legacy payload")
	}
	return nil, "", lastErr
}

// EncodeV1 is the encoder counterpart used by tests (P5: decode(encode(p)) == p)
// and by any harness simulating a launcher.
func EncodeV1(connInfo map[string]any, pub *rsa.PublicKey) ([]byte, error) {
	aesKey := make([]byte, aesBlockSize)
	if _, err := rand.Read(aesKey); err != nil {
		return nil, err
	}

	plain, err := json.Marshal(connInfo)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plain, aesBlockSize)
	cipherText, err := aesECBEncrypt(aesKey, padded)
	if err != nil {
		return nil, err
	}

	keyCipher, err := rsa.EncryptPKCS1v15(rand.Reader, pub, aesKey)
	if err != nil {
		return nil, err
	}

	env := Envelope{
		Version: 1,
		Key:     base64.StdEncoding.EncodeToString(keyCipher),
		Connect: base64.StdEncoding.EncodeToString(cipherText),
	}
	inner, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(inner)))
	base64.StdEncoding.Encode(out, inner)
	return out, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%blockSize != 0 {
		return nil, fmt.Errorf("pkcs7: invalid data length %d", n)
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > blockSize || padLen > n {
		return nil, fmt.Errorf("pkcs7: invalid padding length %d", padLen)
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("pkcs7: invalid padding bytes")
		}
	}
	return data[:n-padLen], nil
}

// aesECBEncrypt/aesECBDecrypt implement ECB mode directly: the
// standard library deliberately omits it (it leaks block-level
// patterns), but the wire protocol here is fixed by spec.md §3 to
// AES-ECB, so we apply the cipher block-by-block with no chaining.
func aesECBEncrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%aesBlockSize != 0 {
		return nil, fmt.Errorf("aes-ecb: data is not block aligned")
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aesBlockSize {
		block.Encrypt(out[i:i+aesBlockSize], data[i:i+aesBlockSize])
	}
	return out, nil
}

func aesECBDecrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%aesBlockSize != 0 {
		return nil, fmt.Errorf("aes-ecb: data is not block aligned")
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aesBlockSize {
		block.Decrypt(out[i:i+aesBlockSize], data[i:i+aesBlockSize])
	}
	return out, nil
}
