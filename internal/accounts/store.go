package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/campaigner/internal/email"
	"github.com/foxzi/campaigner/internal/models"
)

var bucketAccounts = []byte("accounts")

// ErrNotFound is returned when no account matches the email and type
var ErrNotFound = errors.New("account not found")

// BoltStore persists connected sending accounts in BoltDB
type BoltStore struct {
	db     *bolt.DB
	sealer *Sealer
}

// NewBoltStore opens the account store. A nil sealer stores records unencrypted.
func NewBoltStore(path string, sealer *Sealer) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketAccounts); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketAccounts, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, sealer: sealer}, nil
}

// Close closes the underlying database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func accountKey(address string, typ models.AccountType) []byte {
	return []byte(string(typ) + ":" + email.Normalize(address))
}

// Get returns the account for email and type
func (s *BoltStore) Get(ctx context.Context, email string, typ models.AccountType) (*models.Account, error) {
	var acc *models.Account
	key := accountKey(email, typ)

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAccounts).Get(key)
		if data == nil {
			return ErrNotFound
		}
		var err error
		acc, err = s.decode(key, data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// Save creates or replaces an account, keeping the original connection time
func (s *BoltStore) Save(ctx context.Context, acc *models.Account) error {
	if !acc.Type.Valid() {
		return fmt.Errorf("invalid account type: %q", acc.Type)
	}
	if acc.Email == "" {
		return fmt.Errorf("account email is required")
	}

	key := accountKey(acc.Email, acc.Type)
	now := time.Now().UTC()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		acc.ConnectedAt = now
		if existing := b.Get(key); existing != nil {
			if prev, err := s.decode(key, existing); err == nil && !prev.ConnectedAt.IsZero() {
				acc.ConnectedAt = prev.ConnectedAt
			}
		}
		acc.UpdatedAt = now
		return s.put(b, key, acc)
	})
}

// UpdateToken replaces the stored token set of an OAuth account
func (s *BoltStore) UpdateToken(ctx context.Context, email string, typ models.AccountType, tok *models.TokenSet) error {
	key := accountKey(email, typ)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}
		acc, err := s.decode(key, data)
		if err != nil {
			return err
		}
		acc.Token = tok.Clone()
		acc.UpdatedAt = time.Now().UTC()
		return s.put(b, key, acc)
	})
}

// Delete removes an account
func (s *BoltStore) Delete(ctx context.Context, email string, typ models.AccountType) error {
	key := accountKey(email, typ)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		if b.Get(key) == nil {
			return ErrNotFound
		}
		return b.Delete(key)
	})
}

// List returns all accounts ordered by type and email
func (s *BoltStore) List(ctx context.Context) ([]models.Account, error) {
	var list []models.Account

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(k, v []byte) error {
			acc, err := s.decode(k, v)
			if err != nil {
				return err
			}
			list = append(list, *acc)
			return nil
		})
	})
	return list, err
}

func (s *BoltStore) put(b *bolt.Bucket, key []byte, acc *models.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if s.sealer != nil {
		if data, err = s.sealer.Seal(data, key); err != nil {
			return err
		}
	}
	if err := b.Put(key, data); err != nil {
		return fmt.Errorf("failed to store account: %w", err)
	}
	return nil
}

func (s *BoltStore) decode(key, data []byte) (*models.Account, error) {
	if len(data) > 0 && data[0] == sealedVersion {
		if s.sealer == nil {
			return nil, fmt.Errorf("account %s is encrypted but no key is configured", key)
		}
		plain, err := s.sealer.Open(data, key)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", key, err)
		}
		data = plain
	}

	var acc models.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return &acc, nil
}
