package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Account operations. At most one cloud account is stored at a time.
	SaveAccount(acc *Account) error
	GetAccount() (*Account, error)
	DeleteAccount() error

	// Print file operations
	SavePrintFile(pf *PrintFile) error
	GetPrintFile(id string) (*PrintFile, error)
	GetPrintFileByPath(path string) (*PrintFile, error)
	DeletePrintFile(id string) error
	ListPrintFiles() ([]*PrintFile, error)

	// Filament setting. GetFilament returns ErrNotFound when none is set;
	// SetFilament(nil) clears it.
	SetFilament(f *Filament) error
	GetFilament() (*Filament, error)

	// Close the store
	Close() error
}
