package hooks

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const txnStoreDir = "svn_txn_id"

// TxnKey derives the integrity token binding a subversion transaction to a
// repository. Both the write path (response capture) and the callback daemon
// must compute the same value.
func TxnKey(repository, txnName string) string {
	sum := sha1.Sum([]byte(strings.Join([]string{repository, txnName}, "_")))
	return hex.EncodeToString(sum[:])
}

// TxnStore persists the daemon port of pending subversion transactions as
// small sidecar files, so a later commit request can find the daemon that was
// started for it.
type TxnStore struct {
	cacheDir string
}

func NewTxnStore(cacheDir string) *TxnStore {
	return &TxnStore{cacheDir: cacheDir}
}

func (s *TxnStore) path(key string) string {
	return filepath.Join(s.cacheDir, txnStoreDir, "rc_txn_id_"+key)
}

type txnRecord struct {
	Port int `json:"port"`
}

// Store writes the sidecar file for key.
func (s *TxnStore) Store(key string, port int) error {
	const op = "hooks.TxnStore.Store"

	if err := os.MkdirAll(filepath.Join(s.cacheDir, txnStoreDir), 0o755); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	data, err := json.Marshal(txnRecord{Port: port})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := os.WriteFile(s.path(key), data, 0o644); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Get reads the stored port for key. A missing or unreadable sidecar file
// yields ok=false.
func (s *TxnStore) Get(key string) (int, bool) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return 0, false
	}
	var rec txnRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, false
	}
	return rec.Port, true
}

// Release removes the sidecar file for key. Removing an already released
// transaction is not an error.
func (s *TxnStore) Release(key string) error {
	const op = "hooks.TxnStore.Release"

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
