package runechain

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// signer holds one Ed25519 keypair under a stable keyID, for rotation: old
// signatures stay verifiable against their recorded keyID even after a new
// key becomes active for signing.
type signer struct {
	keyID   string
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
}

// KeyRing holds zero or more Ed25519 signers and signs with the
// lexicographically last keyID (the newest, by convention), while verifying
// against whichever keyID a signature claims.
type KeyRing struct {
	mu      sync.RWMutex
	signers map[string]*signer
}

// NewKeyRing returns an empty keyring. An empty keyring signs nothing;
// runechain treats that as "continue unsigned".
func NewKeyRing() *KeyRing {
	return &KeyRing{signers: map[string]*signer{}}
}

// GenerateKey creates a new Ed25519 keypair under keyID and adds it to the
// ring.
func (k *KeyRing) GenerateKey(keyID string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("runechain: key generation failed: %w", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[keyID] = &signer{keyID: keyID, priv: priv, pub: pub}
	return nil
}

// AddKey adds an already-loaded keypair under keyID.
func (k *KeyRing) AddKey(keyID string, priv ed25519.PrivateKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[keyID] = &signer{keyID: keyID, priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// RevokeKey removes a key from the ring; it can no longer sign, and
// historical signatures under it will fail to verify.
func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.signers, keyID)
}

// activeLocked returns the signer chosen for new signatures: the
// lexicographically last keyID. Caller must hold k.mu.
func (k *KeyRing) activeLocked() *signer {
	if len(k.signers) == 0 {
		return nil
	}
	ids := make([]string, 0, len(k.signers))
	for id := range k.signers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return k.signers[ids[len(ids)-1]]
}

// Empty reports whether the ring holds no keys.
func (k *KeyRing) Empty() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.signers) == 0
}

// Sign signs data with the active key and returns the base64 signature plus
// the keyID it was signed under. ok is false if the ring has no keys.
func (k *KeyRing) Sign(data []byte) (sig string, keyID string, ok bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	active := k.activeLocked()
	if active == nil {
		return "", "", false
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(active.priv, data)), active.keyID, true
}

// Verify checks a base64 signature against data under the given keyID.
func (k *KeyRing) Verify(keyID string, data []byte, sigB64 string) (bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.signers[keyID]
	if !ok {
		return false, fmt.Errorf("runechain: unknown or revoked key %q", keyID)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("runechain: malformed signature: %w", err)
	}
	return ed25519.Verify(s.pub, data, sig), nil
}

// ActivePublicKeyPEM returns the PEM-encoded public key of the active
// signer, or "" if the ring has no keys.
func (k *KeyRing) ActivePublicKeyPEM() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	active := k.activeLocked()
	if active == nil {
		return ""
	}
	return encodePublicKeyPEM(active.pub)
}

// ActiveKeyID returns the keyID of the active signer, or "" if empty.
func (k *KeyRing) ActiveKeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	active := k.activeLocked()
	if active == nil {
		return ""
	}
	return active.keyID
}

func encodePublicKeyPEM(pub ed25519.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block))
}

// LoadOrGenerateKeyFile loads an Ed25519 private key from
// <path>/<name>.key, generating and persisting a new one if it doesn't
// exist. The private key file is written owner-only (0600); the public key
// is persisted alongside in PEM form.
func LoadOrGenerateKeyFile(dir, name string) (ed25519.PrivateKey, string, error) {
	keyPath := filepath.Join(dir, name+".key")
	pubPath := filepath.Join(dir, name+".pub")

	raw, err := os.ReadFile(keyPath)
	if err == nil {
		priv, parseErr := parsePrivateKeyPEM(raw)
		if parseErr != nil {
			return nil, "", fmt.Errorf("runechain: parsing key file %s: %w", keyPath, parseErr)
		}
		return priv, pubPath, nil
	}
	if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("runechain: reading key file %s: %w", keyPath, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("runechain: key generation failed: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, "", fmt.Errorf("runechain: marshaling private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(keyPath, privPEM, 0o600); err != nil {
		return nil, "", fmt.Errorf("runechain: writing key file %s: %w", keyPath, err)
	}
	if err := os.WriteFile(pubPath, []byte(encodePublicKeyPEM(pub)), 0o644); err != nil {
		return nil, "", fmt.Errorf("runechain: writing public key file %s: %w", pubPath, err)
	}

	return priv, pubPath, nil
}

func parsePrivateKeyPEM(raw []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an Ed25519 private key")
	}
	return priv, nil
}
