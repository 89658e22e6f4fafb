// Package profile manages the named upstream profiles and the cached,
// decrypted copy of the active one.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerdneilsfield/imagegen-broker/internal/config"
	"github.com/nerdneilsfield/imagegen-broker/internal/logger"
	"github.com/nerdneilsfield/imagegen-broker/internal/storage"
	"github.com/nerdneilsfield/imagegen-broker/internal/vault"
	"github.com/nerdneilsfield/imagegen-broker/pkg/imageapi"
	"go.uber.org/zap"
)

const maxNameLength = 100

var (
	ErrInvalidProfile = errors.New("invalid profile")
	ErrDuplicateName  = storage.ErrDuplicateName
	ErrNotFound       = storage.ErrProfileNotFound
	ErrConflict       = storage.ErrProfileConflict
	ErrNoActive       = storage.ErrNoActiveProfile
)

// Repository is the persistence the store needs; *storage.ProfileRepository
// satisfies it.
type Repository interface {
	Create(ctx context.Context, p *storage.UpstreamProfile, makeActive bool) error
	Get(ctx context.Context, id int64) (*storage.UpstreamProfile, error)
	GetActive(ctx context.Context) (*storage.UpstreamProfile, error)
	List(ctx context.Context) ([]storage.UpstreamProfile, error)
	Update(ctx context.Context, id int64, u storage.ProfileUpdate) (*storage.UpstreamProfile, error)
	Delete(ctx context.Context, id int64) error
	Toggle(ctx context.Context, id int64) (*storage.UpstreamProfile, error)
}

// Cipher encrypts API keys; *vault.Vault satisfies it.
type Cipher interface {
	Encrypt(plaintext string) ([]byte, error)
	Decrypt(blob []byte) (string, error)
}

type CreateParams struct {
	Name        string
	BaseURL     string
	APIKey      string
	Description string
	MakeActive  bool
}

// UpdateParams lists the fields to change; nil means keep.
type UpdateParams struct {
	Name        *string
	BaseURL     *string
	APIKey      *string
	Description *string
	IsActive    *bool
}

// View is a profile as shown to operators. The plaintext key never leaves
// the store through this type.
type View struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	BaseURL     string    `json:"base_url"`
	MaskedKey   string    `json:"api_key_masked"`
	Fingerprint string    `json:"api_key_fingerprint"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Store struct {
	repo   Repository
	cipher Cipher
	cache  *Cache
	logger *zap.Logger
}

func NewStore(repo Repository, cipher Cipher, cache *Cache, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{repo: repo, cipher: cipher, cache: cache, logger: logger.Named("profile")}
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	if len([]rune(name)) > maxNameLength {
		return "", fmt.Errorf("%w: name is longer than %d characters", ErrInvalidProfile, maxNameLength)
	}
	return name, nil
}

func validateBaseURL(baseURL string) (string, error) {
	baseURL = strings.TrimSpace(baseURL)
	if !config.ValidateURL(baseURL) {
		return "", fmt.Errorf("%w: base url must be an http(s) url", ErrInvalidProfile)
	}
	return baseURL, nil
}

// Create encrypts the key and inserts a new profile.
func (s *Store) Create(ctx context.Context, p CreateParams) (int64, error) {
	defer s.cache.Invalidate()

	name, err := validateName(p.Name)
	if err != nil {
		return 0, err
	}
	baseURL, err := validateBaseURL(p.BaseURL)
	if err != nil {
		return 0, err
	}
	blob, err := s.cipher.Encrypt(strings.TrimSpace(p.APIKey))
	if err != nil {
		return 0, err
	}
	row := &storage.UpstreamProfile{
		Name:            name,
		Description:     strings.TrimSpace(p.Description),
		BaseURL:         baseURL,
		APIKeyEncrypted: blob,
	}
	if err := s.repo.Create(ctx, row, p.MakeActive); err != nil {
		return 0, err
	}
	return row.ID, nil
}

// Update re-encrypts the key when a new one is supplied.
func (s *Store) Update(ctx context.Context, id int64, p UpdateParams) (*View, error) {
	defer s.cache.Invalidate()

	var u storage.ProfileUpdate
	if p.Name != nil {
		name, err := validateName(*p.Name)
		if err != nil {
			return nil, err
		}
		u.Name = &name
	}
	if p.BaseURL != nil {
		baseURL, err := validateBaseURL(*p.BaseURL)
		if err != nil {
			return nil, err
		}
		u.BaseURL = &baseURL
	}
	if p.APIKey != nil {
		blob, err := s.cipher.Encrypt(strings.TrimSpace(*p.APIKey))
		if err != nil {
			return nil, err
		}
		u.APIKeyEncrypted = blob
	}
	if p.Description != nil {
		desc := strings.TrimSpace(*p.Description)
		u.Description = &desc
	}
	u.IsActive = p.IsActive

	row, err := s.repo.Update(ctx, id, u)
	if err != nil {
		return nil, err
	}
	v := s.view(row)
	return &v, nil
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	defer s.cache.Invalidate()
	return s.repo.Delete(ctx, id)
}

func (s *Store) Toggle(ctx context.Context, id int64) (*View, error) {
	defer s.cache.Invalidate()
	row, err := s.repo.Toggle(ctx, id)
	if err != nil {
		return nil, err
	}
	v := s.view(row)
	return &v, nil
}

// Activate makes id the only active profile.
func (s *Store) Activate(ctx context.Context, id int64) (*View, error) {
	active := true
	return s.Update(ctx, id, UpdateParams{IsActive: &active})
}

func (s *Store) view(p *storage.UpstreamProfile) View {
	v := View{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		BaseURL:     p.BaseURL,
		IsActive:    p.IsActive,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	key, err := s.cipher.Decrypt(p.APIKeyEncrypted)
	if err != nil {
		s.logger.Warn("stored api key cannot be decrypted", zap.Int64("profile_id", p.ID), zap.Error(err))
		v.MaskedKey = "undecryptable"
		return v
	}
	v.MaskedKey = logger.MaskSensitiveInfo(key)
	v.Fingerprint = vault.Fingerprint(key)
	return v
}

func (s *Store) Get(ctx context.Context, id int64) (*View, error) {
	row, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v := s.view(row)
	return &v, nil
}

func (s *Store) List(ctx context.Context) ([]View, error) {
	rows, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(rows))
	for i := range rows {
		out = append(out, s.view(&rows[i]))
	}
	return out, nil
}

func (s *Store) decrypt(row *storage.UpstreamProfile) (ActiveProfile, error) {
	key, err := s.cipher.Decrypt(row.APIKeyEncrypted)
	if err != nil {
		return ActiveProfile{}, err
	}
	return ActiveProfile{ID: row.ID, Name: row.Name, BaseURL: row.BaseURL, APIKey: key}, nil
}

// GetActive loads and decrypts the active profile, bypassing the cache.
func (s *Store) GetActive(ctx context.Context) (*ActiveProfile, error) {
	row, err := s.repo.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.decrypt(row)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Credentials implements imageapi.CredentialSource with a read-through cache.
func (s *Store) Credentials(ctx context.Context) (imageapi.Credentials, error) {
	if p, ok := s.cache.Get(); ok {
		return imageapi.Credentials{BaseURL: p.BaseURL, APIKey: p.APIKey}, nil
	}

	gen := s.cache.Generation()
	p, err := s.GetActive(ctx)
	if errors.Is(err, ErrNoActive) {
		return imageapi.Credentials{}, imageapi.NewConfigurationError("no active upstream profile", err)
	}
	if errors.Is(err, vault.ErrTamperDetected) || errors.Is(err, vault.ErrCorruptEncoding) {
		s.logger.Error("active profile key cannot be decrypted", zap.Error(err))
		return imageapi.Credentials{}, imageapi.NewConfigurationError("active upstream profile is unreadable", err)
	}
	if err != nil {
		return imageapi.Credentials{}, err
	}

	if s.cache.Fill(*p, gen) {
		s.logger.Debug("active profile cached", zap.Int64("profile_id", p.ID), zap.String("name", p.Name))
	}
	return imageapi.Credentials{BaseURL: p.BaseURL, APIKey: p.APIKey}, nil
}

// Resolve returns the decrypted credentials of profile id, for connection probes.
func (s *Store) Resolve(ctx context.Context, id int64) (imageapi.Credentials, error) {
	row, err := s.repo.Get(ctx, id)
	if err != nil {
		return imageapi.Credentials{}, err
	}
	p, err := s.decrypt(row)
	if err != nil {
		return imageapi.Credentials{}, err
	}
	return imageapi.Credentials{BaseURL: p.BaseURL, APIKey: p.APIKey}, nil
}

func (s *Store) CacheInfo() CacheInfo { return s.cache.Info() }

// InvalidateCache forces the next Credentials call to read the store.
func (s *Store) InvalidateCache() { s.cache.Invalidate() }
