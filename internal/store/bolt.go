package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketAccount    = []byte("account")
	bucketPrintFiles = []byte("printfiles")
	bucketSettings   = []byte("settings")
	keyAccount       = []byte("current")
	keyFilament      = []byte("filament")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketAccount, bucketPrintFiles, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveAccount(acc *Account) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccount)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAccount)
		}
		// Use internal storage struct to persist the access token.
		st := accountStorage{
			UserID:       acc.UserID,
			Name:         acc.Name,
			Email:        acc.Email,
			AccessKey:    acc.AccessKey,
			AccessToken:  acc.AccessToken,
			RefreshToken: acc.RefreshToken,
			ExpiresAt:    acc.ExpiresAt,
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put(keyAccount, data)
	})
}

func (s *BoltStore) GetAccount() (*Account, error) {
	var acc Account
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccount)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAccount)
		}
		data := b.Get(keyAccount)
		if data == nil {
			return fmt.Errorf("account: %w", ErrNotFound)
		}
		// Deserialize via internal storage struct to recover the token.
		var st accountStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		acc = Account{
			UserID:       st.UserID,
			Name:         st.Name,
			Email:        st.Email,
			AccessKey:    st.AccessKey,
			AccessToken:  st.AccessToken,
			RefreshToken: st.RefreshToken,
			ExpiresAt:    st.ExpiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *BoltStore) DeleteAccount() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccount)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAccount)
		}
		return b.Delete(keyAccount)
	})
}

func (s *BoltStore) SavePrintFile(pf *PrintFile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrintFiles)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPrintFiles)
		}
		data, err := json.Marshal(pf)
		if err != nil {
			return err
		}
		return b.Put([]byte(pf.ID), data)
	})
}

func (s *BoltStore) GetPrintFile(id string) (*PrintFile, error) {
	var pf PrintFile
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrintFiles)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPrintFiles)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("print file %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &pf)
	})
	if err != nil {
		return nil, err
	}
	return &pf, nil
}

func (s *BoltStore) GetPrintFileByPath(path string) (*PrintFile, error) {
	var found *PrintFile
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrintFiles)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var pf PrintFile
			if err := json.Unmarshal(v, &pf); err != nil {
				return err
			}
			if pf.Path == path {
				found = &pf
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("print file at %s: %w", path, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) DeletePrintFile(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrintFiles)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPrintFiles)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListPrintFiles() ([]*PrintFile, error) {
	var files []*PrintFile
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrintFiles)
		if b == nil {
			return nil // no bucket = no files
		}
		files = make([]*PrintFile, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var pf PrintFile
			if err := json.Unmarshal(v, &pf); err != nil {
				return err
			}
			files = append(files, &pf)
			return nil
		})
	})
	return files, err
}

func (s *BoltStore) SetFilament(f *Filament) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSettings)
		}
		if f == nil {
			return b.Delete(keyFilament)
		}
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		return b.Put(keyFilament, data)
	})
}

func (s *BoltStore) GetFilament() (*Filament, error) {
	var f Filament
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSettings)
		}
		data := b.Get(keyFilament)
		if data == nil {
			return fmt.Errorf("filament: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
