// Package envelope implements the encrypted envelope protocol used between
// the messaging platform and the gateway.
//
// Inbound requests carry an AES-128 key wrapped with RSA-OAEP(SHA-256), a
// 16-byte initialization vector, and an AES-GCM payload whose trailing 16
// bytes are the authentication tag. Responses are encrypted under the same
// AES key with the bitwise complement of the request IV; the flipped IV is a
// protocol requirement, not a local choice.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/taskweek/flowgate/internal/models"
)

// SignatureHeader is the request header carrying the HMAC of the raw body.
const SignatureHeader = "X-Hub-Signature-256"

const (
	signaturePrefix = "sha256="
	gcmTagSize      = 16
	aesKeySize      = 16
)

// Opts holds configuration for the envelope service.
type Opts struct {
	PrivateKeyPEM []byte
	Passphrase    string
	AppSecret     []byte
}

// Option configures the envelope service.
type Option func(*Opts)

// WithPrivateKeyPEM sets the PEM-encoded RSA private key used to unwrap
// envelope AES keys.
func WithPrivateKeyPEM(pemData []byte) Option {
	return func(o *Opts) { o.PrivateKeyPEM = pemData }
}

// WithPassphrase sets the passphrase for an encrypted private key PEM.
func WithPassphrase(passphrase string) Option {
	return func(o *Opts) { o.Passphrase = passphrase }
}

// WithAppSecret sets the shared secret for request signature verification.
// Without it verification is skipped, which is only acceptable outside
// production.
func WithAppSecret(secret []byte) Option {
	return func(o *Opts) { o.AppSecret = secret }
}

// Service authenticates, decrypts and encrypts platform envelopes. All
// methods are stateless and safe for concurrent use.
type Service struct {
	privateKey *rsa.PrivateKey
	appSecret  []byte
}

// New builds an envelope service. A private key is required; the app secret
// is optional but its absence disables signature verification and is logged
// loudly.
func New(opts ...Option) (*Service, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.PrivateKeyPEM) == 0 {
		return nil, fmt.Errorf("envelope private key not set")
	}
	priv, err := ParsePrivateKey(cfg.PrivateKeyPEM, cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to parse envelope private key: %w", err)
	}
	if len(cfg.AppSecret) == 0 {
		slog.Warn("Envelope service running without app secret: request signature verification is DISABLED")
	}
	return &Service{privateKey: priv, appSecret: cfg.AppSecret}, nil
}

// VerifySignature checks the HMAC-SHA-256 of the exact raw request bytes
// against the "sha256=<hex>" header value in constant time. When no app
// secret is configured the check is skipped with a warning.
func (s *Service) VerifySignature(rawBody []byte, header string) error {
	if len(s.appSecret) == 0 {
		slog.Warn("Envelope.VerifySignature: no app secret configured, skipping verification")
		return nil
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		slog.Warn("Envelope.VerifySignature: missing or malformed signature header")
		return fmt.Errorf("%w: malformed signature header", models.ErrSignatureInvalid)
	}
	supplied, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		slog.Warn("Envelope.VerifySignature: signature is not valid hex", "error", err)
		return fmt.Errorf("%w: signature not hex encoded", models.ErrSignatureInvalid)
	}
	mac := hmac.New(sha256.New, s.appSecret)
	mac.Write(rawBody)
	if !hmac.Equal(supplied, mac.Sum(nil)) {
		slog.Warn("Envelope.VerifySignature: signature mismatch", "body_len", len(rawBody))
		return models.ErrSignatureInvalid
	}
	return nil
}

// Decrypt authenticates and opens an inbound envelope. It returns the
// plaintext along with the recovered AES key and IV, which the caller must
// reuse for the response. Every failure mode wraps models.ErrDecrypt so the
// transport can answer with the distinct status that prompts the platform to
// refresh its cached public key.
func (s *Service) Decrypt(env *models.EncryptedEnvelope) (plaintext, aesKey, iv []byte, err error) {
	if err := env.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", models.ErrDecrypt, err)
	}
	payload, err := base64.StdEncoding.DecodeString(env.EncryptedFlowData)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: bad flow data encoding: %v", models.ErrDecrypt, err)
	}
	wrappedKey, err := base64.StdEncoding.DecodeString(env.EncryptedAESKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: bad key encoding: %v", models.ErrDecrypt, err)
	}
	iv, err = base64.StdEncoding.DecodeString(env.InitialVector)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: bad iv encoding: %v", models.ErrDecrypt, err)
	}

	aesKey, err = rsa.DecryptOAEP(sha256.New(), rand.Reader, s.privateKey, wrappedKey, nil)
	if err != nil {
		slog.Warn("Envelope.Decrypt: RSA key unwrap failed", "error", err)
		return nil, nil, nil, fmt.Errorf("%w: key unwrap failed", models.ErrDecrypt)
	}
	if len(aesKey) != aesKeySize {
		return nil, nil, nil, fmt.Errorf("%w: unwrapped key has %d bytes, want %d", models.ErrDecrypt, len(aesKey), aesKeySize)
	}

	plaintext, err = gcmOpen(aesKey, iv, payload)
	if err != nil {
		slog.Warn("Envelope.Decrypt: payload decryption failed", "error", err)
		return nil, nil, nil, fmt.Errorf("%w: %v", models.ErrDecrypt, err)
	}
	return plaintext, aesKey, iv, nil
}

// DecryptMessage opens an envelope and unmarshals the plaintext request.
func (s *Service) DecryptMessage(env *models.EncryptedEnvelope) (*models.DecryptedMessage, []byte, []byte, error) {
	plaintext, aesKey, iv, err := s.Decrypt(env)
	if err != nil {
		return nil, nil, nil, err
	}
	var msg models.DecryptedMessage
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: plaintext is not valid JSON: %v", models.ErrDecrypt, err)
	}
	return &msg, aesKey, iv, nil
}

// Encrypt seals a response body under the request's AES key using the flipped
// IV and returns base64(ciphertext||tag), the raw HTTP response body the
// platform expects.
func (s *Service) Encrypt(plaintext, aesKey, iv []byte) (string, error) {
	sealed, err := gcmSeal(aesKey, FlipIV(iv), plaintext)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// EncryptScreen marshals a next-screen response and seals it.
func (s *Service) EncryptScreen(screen models.NextScreen, aesKey, iv []byte) (string, error) {
	body, err := json.Marshal(screen)
	if err != nil {
		return "", fmt.Errorf("failed to marshal response screen: %w", err)
	}
	return s.Encrypt(body, aesKey, iv)
}

// FlipIV returns the bitwise complement of every byte of iv.
func FlipIV(iv []byte) []byte {
	flipped := make([]byte, len(iv))
	for i, b := range iv {
		flipped[i] = ^b
	}
	return flipped
}

// gcmOpen decrypts ciphertext||tag with AES-GCM using an IV of arbitrary
// length (the platform sends 16-byte IVs, not the 12-byte GCM default).
func gcmOpen(key, iv, sealed []byte) ([]byte, error) {
	if len(sealed) < gcmTagSize {
		return nil, fmt.Errorf("ciphertext shorter than auth tag")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, iv, sealed, nil)
}

func gcmSeal(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, iv, plaintext, nil), nil
}
