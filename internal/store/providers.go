package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nidhogg/nuka-loom/internal/provider"
)

// ErrNoEncryptKey is returned by provider persistence when the store was
// opened without an encryption key.
var ErrNoEncryptKey = errors.New("provider persistence requires an encryption key")

// ProviderRow is a persisted provider together with the compute tier it
// serves, if any.
type ProviderRow struct {
	provider.ProviderConfig
	Tier      provider.Tier `json:"tier,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// sealer encrypts API keys with AES-256-GCM.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(keyHex string) (*sealer, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode encrypt key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encrypt key must be 64 hex chars (32 bytes), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (s *sealer) open(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}
	n := s.aead.NonceSize()
	if len(ciphertext) < n {
		return "", fmt.Errorf("ciphertext too short")
	}
	plaintext, err := s.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// SaveProvider inserts or replaces a provider, encrypting its API key.
func (s *Store) SaveProvider(ctx context.Context, p *ProviderRow) error {
	if s.sealer == nil {
		return ErrNoEncryptKey
	}
	encKey, err := s.sealer.seal(p.APIKey)
	if err != nil {
		return fmt.Errorf("encrypt api_key: %w", err)
	}
	modelsJSON, err := json.Marshal(p.Models)
	if err != nil {
		return fmt.Errorf("marshal models: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO providers (id, name, type, endpoint, api_key_enc, models, tier)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, type = EXCLUDED.type, endpoint = EXCLUDED.endpoint,
			api_key_enc = EXCLUDED.api_key_enc, models = EXCLUDED.models,
			tier = EXCLUDED.tier, updated_at = NOW()`,
		p.ID, p.Name, p.Type, p.Endpoint, encKey, modelsJSON, string(p.Tier),
	)
	if err != nil {
		return fmt.Errorf("save provider: %w", err)
	}
	return nil
}

// DeleteProvider removes a provider by ID.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM providers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	return nil
}

// ListProviders returns every provider with its API key decrypted.
func (s *Store) ListProviders(ctx context.Context) ([]*ProviderRow, error) {
	if s.sealer == nil {
		return nil, ErrNoEncryptKey
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, name, type, endpoint, api_key_enc, models, tier, created_at, updated_at
		FROM providers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	var out []*ProviderRow
	for rows.Next() {
		var (
			p          ProviderRow
			encKey     []byte
			modelsJSON []byte
			tier       string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Type, &p.Endpoint, &encKey,
			&modelsJSON, &tier, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		if p.APIKey, err = s.sealer.open(encKey); err != nil {
			s.logger.Warn("skipping provider with unreadable api key")
			continue
		}
		if err := json.Unmarshal(modelsJSON, &p.Models); err != nil {
			return nil, fmt.Errorf("decode models for %s: %w", p.ID, err)
		}
		p.Tier = provider.Tier(tier)
		out = append(out, &p)
	}
	return out, rows.Err()
}
