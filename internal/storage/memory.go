package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maneesh/dropvault/internal/common"
	"github.com/maneesh/dropvault/internal/models"
)

// MemoryRecords is an in-process record store with the same semantics as
// MySQLClient: unique codes and emails, owner-scoped file lookups and
// cascading owner deletion.
type MemoryRecords struct {
	mu        sync.RWMutex
	transfers map[string]*models.TransferRecord // by code
	owners    map[string]*models.VaultOwner     // by id
	emails    map[string]string                 // email -> owner id
	files     map[string]*models.VaultFile      // by id
}

// NewMemoryRecords returns an empty store.
func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{
		transfers: make(map[string]*models.TransferRecord),
		owners:    make(map[string]*models.VaultOwner),
		emails:    make(map[string]string),
		files:     make(map[string]*models.VaultFile),
	}
}

// CreateTransfer inserts t, reporting a taken code as common.ErrDuplicate.
func (m *MemoryRecords) CreateTransfer(_ context.Context, t *models.TransferRecord) error {
	if t.KeySource == nil {
		return fmt.Errorf("%w: transfer has no key source", common.ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transfers[t.Code]; ok {
		return fmt.Errorf("failed to insert transfer: %w", common.ErrDuplicate)
	}
	cp := *t
	m.transfers[t.Code] = &cp
	return nil
}

// GetTransferByCode returns a copy of the transfer with code.
func (m *MemoryRecords) GetTransferByCode(_ context.Context, code string) (*models.TransferRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.transfers[code]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// DeleteTransfer removes the transfer with id.
func (m *MemoryRecords) DeleteTransfer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for code, t := range m.transfers {
		if t.ID == id {
			delete(m.transfers, code)
		}
	}
	return nil
}

// ListExpiredTransfers returns up to limit transfers expired at now, oldest
// expiry first.
func (m *MemoryRecords) ListExpiredTransfers(_ context.Context, now time.Time, limit int) ([]*models.TransferRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.TransferRecord
	for _, t := range m.transfers {
		if t.IsExpired(now) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateOwner inserts o, reporting a taken email as common.ErrDuplicate.
func (m *MemoryRecords) CreateOwner(_ context.Context, o *models.VaultOwner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.emails[o.Email]; ok {
		return fmt.Errorf("failed to insert owner: %w", common.ErrDuplicate)
	}
	if _, ok := m.owners[o.ID]; ok {
		return fmt.Errorf("failed to insert owner: %w", common.ErrDuplicate)
	}
	cp := *o
	m.owners[o.ID] = &cp
	m.emails[o.Email] = o.ID
	return nil
}

// GetOwnerByEmail returns a copy of the owner with email.
func (m *MemoryRecords) GetOwnerByEmail(_ context.Context, email string) (*models.VaultOwner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.emails[email]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *m.owners[id]
	return &cp, nil
}

// GetOwnerByID returns a copy of the owner with id.
func (m *MemoryRecords) GetOwnerByID(_ context.Context, id string) (*models.VaultOwner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.owners[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

// DeleteOwner removes the owner and all of their files.
func (m *MemoryRecords) DeleteOwner(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.owners[id]
	if !ok {
		return common.ErrNotFound
	}
	for fid, f := range m.files {
		if f.OwnerID == id {
			delete(m.files, fid)
		}
	}
	delete(m.emails, o.Email)
	delete(m.owners, id)
	return nil
}

// CreateFile inserts f.
func (m *MemoryRecords) CreateFile(_ context.Context, f *models.VaultFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.owners[f.OwnerID]; !ok {
		return fmt.Errorf("failed to insert file: owner %s does not exist", f.OwnerID)
	}
	if _, ok := m.files[f.ID]; ok {
		return fmt.Errorf("failed to insert file: %w", common.ErrDuplicate)
	}
	cp := *f
	m.files[f.ID] = &cp
	return nil
}

// GetFile returns the owner's file, treating another owner's file as missing.
func (m *MemoryRecords) GetFile(_ context.Context, ownerID, fileID string) (*models.VaultFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[fileID]
	if !ok || f.OwnerID != ownerID {
		return nil, common.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

// ListFiles returns the owner's files, most recent first.
func (m *MemoryRecords) ListFiles(_ context.Context, ownerID string) ([]*models.VaultFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.VaultFile
	for _, f := range m.files {
		if f.OwnerID == ownerID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UploadedAt.After(out[j].UploadedAt)
	})
	return out, nil
}

// DeleteFile removes the owner's file, treating another owner's file as missing.
func (m *MemoryRecords) DeleteFile(_ context.Context, ownerID, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[fileID]
	if !ok || f.OwnerID != ownerID {
		return common.ErrNotFound
	}
	delete(m.files, fileID)
	return nil
}
