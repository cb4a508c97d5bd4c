package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/AvaProtocol/ap-userop/storage/schema"
)

// JournalEntry is what the tracker remembers about a submitted user operation.
type JournalEntry struct {
	ID              string    `json:"id"`
	UserOpHash      string    `json:"userOpHash"`
	Sender          string    `json:"sender"`
	Nonce           string    `json:"nonce"`
	ChainID         uint64    `json:"chainId"`
	Status          string    `json:"status"`
	TransactionHash string    `json:"transactionHash,omitempty"`
	SubmittedAt     time.Time `json:"submittedAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	Done            bool      `json:"done"`
}

type Journal struct {
	db Storage
}

func NewJournal(db Storage) *Journal {
	return &Journal{db: db}
}

// Record stores a newly submitted operation as pending. Recording the same hash twice
// keeps the first entry.
func (j *Journal) Record(entry *JournalEntry) error {
	if entry.UserOpHash == "" {
		return errors.New("storage: journal entry without user operation hash")
	}
	if existing, err := j.Get(entry.UserOpHash); err == nil {
		*entry = *existing
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	now := time.Now().UTC()
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.SubmittedAt.IsZero() {
		entry.SubmittedAt = now
	}
	entry.UpdatedAt = now
	entry.Done = false

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return j.db.Set(schema.UserOpStorageKey(entry.UserOpHash, schema.StatePending), data)
}

// Update saves a new status for a pending operation. Entries that are already done are
// left untouched and ErrNotFound is returned.
func (j *Journal) Update(hash, status, txHash string) (*JournalEntry, error) {
	key := schema.UserOpStorageKey(hash, schema.StatePending)
	entry, err := j.read(key)
	if err != nil {
		return nil, err
	}

	entry.Status = status
	if txHash != "" {
		entry.TransactionHash = txHash
	}
	entry.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return entry, j.db.Set(key, data)
}

// Complete moves a pending entry to the done state. Only the first caller succeeds; later
// calls get ErrNotFound, which is what makes callbacks fire once.
func (j *Journal) Complete(hash, status, txHash string) (*JournalEntry, error) {
	src := schema.UserOpStorageKey(hash, schema.StatePending)
	entry, err := j.read(src)
	if err != nil {
		return nil, err
	}

	entry.Status = status
	if txHash != "" {
		entry.TransactionHash = txHash
	}
	entry.UpdatedAt = time.Now().UTC()
	entry.Done = true

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if err := j.db.Move(src, schema.UserOpStorageKey(hash, schema.StateDone), data); err != nil {
		return nil, err
	}
	return entry, nil
}

func (j *Journal) Get(hash string) (*JournalEntry, error) {
	for _, state := range []string{schema.StatePending, schema.StateDone} {
		entry, err := j.read(schema.UserOpStorageKey(hash, state))
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (j *Journal) Pending() ([]*JournalEntry, error) {
	return j.list(schema.StatePending)
}

func (j *Journal) Done() ([]*JournalEntry, error) {
	return j.list(schema.StateDone)
}

func (j *Journal) CountPending() (int64, error) {
	return j.db.CountKeysByPrefix(schema.UserOpByStateStoragePrefix(schema.StatePending))
}

func (j *Journal) read(key []byte) (*JournalEntry, error) {
	data, err := j.db.GetKey(key)
	if err != nil {
		return nil, err
	}
	var entry JournalEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("storage: corrupt journal entry %s: %w", key, err)
	}
	return &entry, nil
}

func (j *Journal) list(state string) ([]*JournalEntry, error) {
	items, err := j.db.GetByPrefix(schema.UserOpByStateStoragePrefix(state))
	if err != nil {
		return nil, err
	}

	entries := make([]*JournalEntry, 0, len(items))
	for _, item := range items {
		var entry JournalEntry
		if err := json.Unmarshal(item.Value, &entry); err != nil {
			return nil, fmt.Errorf("storage: corrupt journal entry %s: %w", item.Key, err)
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}
