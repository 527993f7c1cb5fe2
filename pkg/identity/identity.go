// Package identity owns the node's Ed25519 keypair.
//
// The keypair is generated on first boot and written to two files under the
// data directory. The node ID is always derived from the public key and is
// never read back from storage. The private key never leaves this package;
// callers sign through the Signer interface.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	PublicKeyFile  = "node_ed25519.pub"
	PrivateKeyFile = "node_ed25519.key"

	nodeIDLength = 16
)

var (
	ErrNotInitialized     = errors.New("identity not initialized")
	ErrIncompleteKeyPair  = errors.New("only one half of the node keypair is present")
	ErrKeyPairMismatch    = errors.New("stored private key does not match stored public key")
	ErrInvalidKeyMaterial = errors.New("invalid key material")
)

// Signer is the narrow signing capability handed to other components.
type Signer interface {
	NodeID() string
	Sign(message []byte) []byte
}

// Identity is the loaded node identity.
type Identity struct {
	host   string
	nodeID string
	public ed25519.PublicKey
	secret ed25519.PrivateKey
}

func (id *Identity) Host() string   { return id.host }
func (id *Identity) NodeID() string { return id.nodeID }

// PublicKey returns a copy of the node's public key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), id.public...)
}

// PublicKeyBase64 is the wire encoding used in discovery and handshakes.
func (id *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.public)
}

func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.secret, message)
}

// DeriveNodeID returns the first 16 hex characters of SHA-256(pub).
func DeriveNodeID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:nodeIDLength]
}

// DecodePublicKey parses a base64 Ed25519 public key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes", ErrInvalidKeyMaterial, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Manager loads or creates the identity and caches it for the process.
type Manager struct {
	mu      sync.RWMutex
	host    string
	current *Identity
	logger  *zap.Logger
}

func NewManager(host string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{host: strings.ToLower(host), logger: logger}
}

// Load returns the identity stored in dataDir, generating it on first boot.
func (m *Manager) Load(dataDir string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pubPath := filepath.Join(dataDir, PublicKeyFile)
	keyPath := filepath.Join(dataDir, PrivateKeyFile)

	pubExists, err := fileExists(pubPath)
	if err != nil {
		return nil, err
	}
	keyExists, err := fileExists(keyPath)
	if err != nil {
		return nil, err
	}

	var id *Identity
	switch {
	case pubExists && keyExists:
		id, err = readKeyPair(pubPath, keyPath)
		if err != nil {
			return nil, err
		}
	case pubExists || keyExists:
		return nil, fmt.Errorf("%w in %s", ErrIncompleteKeyPair, dataDir)
	default:
		id, err = generateKeyPair(dataDir, pubPath, keyPath)
		if err != nil {
			return nil, err
		}
		m.logger.Info("Generated node identity",
			zap.String("node_id", id.nodeID),
			zap.String("dir", dataDir))
	}

	id.host = m.host
	m.current = id
	return id, nil
}

// Current returns the identity produced by Load.
func (m *Manager) Current() (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, ErrNotInitialized
	}
	return m.current, nil
}

func generateKeyPair(dataDir, pubPath, keyPath string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate node key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	// O_EXCL so a concurrent first boot cannot silently replace a key.
	if err := writeExclusive(keyPath, base64.StdEncoding.EncodeToString(priv.Seed()), 0o600); err != nil {
		return nil, err
	}
	if err := writeExclusive(pubPath, base64.StdEncoding.EncodeToString(pub), 0o644); err != nil {
		return nil, err
	}

	return &Identity{nodeID: DeriveNodeID(pub), public: pub, secret: priv}, nil
}

func readKeyPair(pubPath, keyPath string) (*Identity, error) {
	pubText, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	pub, err := DecodePublicKey(string(pubText))
	if err != nil {
		return nil, err
	}

	keyText, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(keyText)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: private key file is malformed", ErrInvalidKeyMaterial)
	}
	priv := ed25519.NewKeyFromSeed(seed)

	if !pub.Equal(priv.Public()) {
		return nil, ErrKeyPairMismatch
	}
	return &Identity{nodeID: DeriveNodeID(pub), public: pub, secret: priv}, nil
}

func writeExclusive(path, content string, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	if _, err := f.WriteString(content + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
