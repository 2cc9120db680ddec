package envelope

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"testing"

	"github.com/taskweek/flowgate/internal/models"
)

// newTestService generates a fresh RSA key pair and returns the service plus
// the public key a platform client would encrypt against.
func newTestService(t *testing.T, secret []byte) (*Service, *rsa.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	opts := []Option{WithPrivateKeyPEM(pemData)}
	if secret != nil {
		opts = append(opts, WithAppSecret(secret))
	}
	svc, err := New(opts...)
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return svc, &key.PublicKey
}

// sealEnvelope does what the platform client does: wrap a fresh AES key with
// RSA-OAEP and seal the plaintext with AES-GCM under a 16-byte IV.
func sealEnvelope(t *testing.T, pub *rsa.PublicKey, plaintext []byte) (*models.EncryptedEnvelope, []byte, []byte) {
	t.Helper()
	aesKey := make([]byte, 16)
	iv := make([]byte, 16)
	if _, err := rand.Read(aesKey); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if _, err := rand.Read(iv); err != nil {
		t.Fatalf("rand: %v", err)
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		t.Fatalf("failed to wrap key: %v", err)
	}
	sealed, err := gcmSeal(aesKey, iv, plaintext)
	if err != nil {
		t.Fatalf("failed to seal payload: %v", err)
	}
	return &models.EncryptedEnvelope{
		EncryptedFlowData: base64.StdEncoding.EncodeToString(sealed),
		EncryptedAESKey:   base64.StdEncoding.EncodeToString(wrapped),
		InitialVector:     base64.StdEncoding.EncodeToString(iv),
	}, aesKey, iv
}

func TestDecryptRoundTrip(t *testing.T) {
	svc, pub := newTestService(t, nil)
	want := []byte(`{"version":"3.0","action":"ping","flow_token":"ft-1"}`)
	env, wantKey, wantIV := sealEnvelope(t, pub, want)

	got, aesKey, iv, err := svc.Decrypt(env)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("plaintext = %q, want %q", got, want)
	}
	if !hmac.Equal(aesKey, wantKey) || !hmac.Equal(iv, wantIV) {
		t.Error("recovered key or IV differs from the one used to seal")
	}
}

func TestEncryptUsesFlippedIV(t *testing.T) {
	svc, pub := newTestService(t, nil)
	env, _, _ := sealEnvelope(t, pub, []byte(`{}`))
	_, aesKey, iv, err := svc.Decrypt(env)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}

	response := []byte(`{"screen":"SUCCESS","data":{}}`)
	encrypted, err := svc.Encrypt(response, aesKey, iv)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		t.Fatalf("response is not base64: %v", err)
	}

	// The platform opens the response with the complement of the request IV.
	plain, err := gcmOpen(aesKey, FlipIV(iv), sealed)
	if err != nil {
		t.Fatalf("platform-side open with flipped IV failed: %v", err)
	}
	if string(plain) != string(response) {
		t.Errorf("round trip = %q, want %q", plain, response)
	}

	// Opening with the original IV must fail: the flip is mandatory.
	if _, err := gcmOpen(aesKey, iv, sealed); err == nil {
		t.Error("response decrypted with unflipped IV; flip not applied")
	}
}

func TestFlipIV(t *testing.T) {
	iv := []byte{0x00, 0xff, 0x0f, 0xa5}
	want := []byte{0xff, 0x00, 0xf0, 0x5a}
	got := FlipIV(iv)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("FlipIV = %x, want %x", got, want)
		}
	}
	if &got[0] == &iv[0] {
		t.Error("FlipIV must not mutate its input slice")
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	svc, pub := newTestService(t, nil)
	env, _, _ := sealEnvelope(t, pub, []byte(`{"action":"ping"}`))

	raw, _ := base64.StdEncoding.DecodeString(env.EncryptedFlowData)
	raw[0] ^= 0x01
	env.EncryptedFlowData = base64.StdEncoding.EncodeToString(raw)

	if _, _, _, err := svc.Decrypt(env); !errors.Is(err, models.ErrDecrypt) {
		t.Errorf("tampered ciphertext error = %v, want ErrDecrypt", err)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, otherPub := newTestService(t, nil)
	env, _, _ := sealEnvelope(t, otherPub, []byte(`{"action":"ping"}`))

	if _, _, _, err := svc.Decrypt(env); !errors.Is(err, models.ErrDecrypt) {
		t.Errorf("wrong key error = %v, want ErrDecrypt", err)
	}
}

func TestDecryptMessage(t *testing.T) {
	svc, pub := newTestService(t, nil)
	env, _, _ := sealEnvelope(t, pub, []byte(`{"version":"3.0","action":"INIT","flow_token":"ft-9"}`))
	msg, _, _, err := svc.DecryptMessage(env)
	if err != nil {
		t.Fatalf("decrypt message failed: %v", err)
	}
	if msg.Action != models.ActionInit || msg.FlowToken != "ft-9" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("app-secret")
	svc, _ := newTestService(t, secret)
	body := []byte(`{"encrypted_flow_data":"..."}`)

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	header := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if err := svc.VerifySignature(body, header); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := svc.VerifySignature(append(body, 'x'), header); !errors.Is(err, models.ErrSignatureInvalid) {
		t.Errorf("tampered body error = %v, want ErrSignatureInvalid", err)
	}
	if err := svc.VerifySignature(body, ""); !errors.Is(err, models.ErrSignatureInvalid) {
		t.Errorf("missing header error = %v, want ErrSignatureInvalid", err)
	}
	if err := svc.VerifySignature(body, "sha256=zz"); !errors.Is(err, models.ErrSignatureInvalid) {
		t.Errorf("non-hex signature error = %v, want ErrSignatureInvalid", err)
	}
}

func TestVerifySignatureSkippedWithoutSecret(t *testing.T) {
	svc, _ := newTestService(t, nil)
	if err := svc.VerifySignature([]byte("anything"), ""); err != nil {
		t.Errorf("verification without secret should be skipped, got %v", err)
	}
}

func TestEncryptScreen(t *testing.T) {
	svc, pub := newTestService(t, nil)
	env, _, _ := sealEnvelope(t, pub, []byte(`{}`))
	_, aesKey, iv, err := svc.Decrypt(env)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	encrypted, err := svc.EncryptScreen(models.PingAck(), aesKey, iv)
	if err != nil {
		t.Fatalf("encrypt screen failed: %v", err)
	}
	sealed, _ := base64.StdEncoding.DecodeString(encrypted)
	plain, err := gcmOpen(aesKey, FlipIV(iv), sealed)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	var screen models.NextScreen
	if err := json.Unmarshal(plain, &screen); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if screen.Data["status"] != "active" {
		t.Errorf("unexpected ping ack: %+v", screen)
	}
}
