// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

package secstore

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
	"github.com/zeebo/blake3"

	"github.com/mpy-dev-ml/rbum/lib/clock"
	"github.com/mpy-dev-ml/rbum/lib/codec"
)

// entryExtension marks store entry files. Anything else in a group
// directory is ignored.
const entryExtension = ".cred"

// filenameDomainKey is the 32-byte key for the BLAKE3 keyed hash that
// derives entry filenames. Domain separation keeps these hashes
// distinct from any other BLAKE3 use of the same input. The bytes are
// the ASCII domain name zero-padded to 32, readable in hex dumps
// without weakening the hash.
var filenameDomainKey = [32]byte{
	'r', 'b', 'u', 'm', '.', 's', 'e', 'c', 's', 't', 'o', 'r', 'e', '.',
	'e', 'n', 't', 'r', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// envelope is the CBOR payload encrypted into each entry file. The
// key is carried inside the ciphertext so Retrieve can confirm the
// filename hash matched the right entry, and so List can recover the
// original keys (filenames are one-way hashes).
type envelope struct {
	Key     string `cbor:"1,keyasint"`
	Blob    []byte `cbor:"2,keyasint"`
	SavedAt int64  `cbor:"3,keyasint"`
}

// FileStore is the production Store: one directory per access group
// under a base path, one age-encrypted file per entry.
type FileStore struct {
	baseDir  string
	identity *Identity
	clock    clock.Clock
	logger   *slog.Logger

	// mu guards sharedGroups. Entry I/O itself needs no lock: writes
	// are atomic renames and the last writer wins, matching the
	// store's documented lack of transactions.
	mu           sync.Mutex
	sharedGroups map[string]bool
}

// NewFileStore creates a store rooted at baseDir, which is created
// mode 0700 if absent. The identity encrypts every entry; the store
// does not take ownership of it (callers Close it after the store is
// no longer used).
func NewFileStore(baseDir string, identity *Identity, clk clock.Clock, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("creating store directory %s: %w", baseDir, err)
	}
	return &FileStore{
		baseDir:      baseDir,
		identity:     identity,
		clock:        clk,
		logger:       logger,
		sharedGroups: make(map[string]bool),
	}, nil
}

func (s *FileStore) nowUnix() int64 { return s.clock.Now().Unix() }

// ConfigureSharing marks group as shared with cooperating processes:
// the group directory is created group-accessible (0770, setgid so
// new entries inherit the directory's unix group) and subsequent
// entries are written 0640 instead of 0600. Idempotent.
func (s *FileStore) ConfigureSharing(group string) error {
	directory, err := s.groupDir(group)
	if err != nil {
		return &StoreError{Op: "configure-sharing", Group: group, Err: err}
	}
	if err := os.MkdirAll(directory, 0770); err != nil {
		return &StoreError{Op: "configure-sharing", Group: group, Err: err}
	}
	if err := os.Chmod(directory, 0770|os.ModeSetgid); err != nil {
		return &StoreError{Op: "configure-sharing", Group: group, Err: err}
	}

	s.mu.Lock()
	s.sharedGroups[group] = true
	s.mu.Unlock()
	return nil
}

// Save encrypts blob into an envelope and atomically replaces any
// existing entry for key.
func (s *FileStore) Save(ctx context.Context, key, group string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return &StoreError{Op: "save", Key: key, Group: group, Err: err}
	}

	directory, err := s.groupDir(group)
	if err != nil {
		return &StoreError{Op: "save", Key: key, Group: group, Err: err}
	}
	if err := os.MkdirAll(directory, 0700); err != nil {
		return &StoreError{Op: "save", Key: key, Group: group, Err: err}
	}

	plaintext, err := codec.Marshal(envelope{
		Key:     key,
		Blob:    blob,
		SavedAt: s.nowUnix(),
	})
	if err != nil {
		return &StoreError{Op: "save", Key: key, Group: group, Err: err}
	}

	ciphertext, err := s.encrypt(plaintext)
	if err != nil {
		return &StoreError{Op: "save", Key: key, Group: group, Err: err}
	}

	path := filepath.Join(directory, entryFilename(key))
	if err := atomicWrite(path, ciphertext, s.entryMode(group)); err != nil {
		return &StoreError{Op: "save", Key: key, Group: group, Err: err}
	}

	s.logger.Debug("store entry saved", "group", group, "key", key)
	return nil
}

// Retrieve decrypts the entry for key. An absent entry is
// (nil, false, nil).
func (s *FileStore) Retrieve(ctx context.Context, key, group string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, &StoreError{Op: "retrieve", Key: key, Group: group, Err: err}
	}

	directory, err := s.groupDir(group)
	if err != nil {
		return nil, false, &StoreError{Op: "retrieve", Key: key, Group: group, Err: err}
	}

	ciphertext, err := os.ReadFile(filepath.Join(directory, entryFilename(key)))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &StoreError{Op: "retrieve", Key: key, Group: group, Err: err}
	}

	entry, err := s.decryptEnvelope(ciphertext)
	if err != nil {
		return nil, false, &StoreError{Op: "retrieve", Key: key, Group: group, Err: err}
	}
	if entry.Key != key {
		// The filename hash matched but the envelope names a
		// different key: the entry file was corrupted or tampered
		// with. Treat as a mechanism failure, not absence.
		return nil, false, &StoreError{Op: "retrieve", Key: key, Group: group, Err: fmt.Errorf("envelope key mismatch")}
	}

	return entry.Blob, true, nil
}

// Delete removes the entry for key. Absent entries delete cleanly.
func (s *FileStore) Delete(ctx context.Context, key, group string) error {
	if err := ctx.Err(); err != nil {
		return &StoreError{Op: "delete", Key: key, Group: group, Err: err}
	}

	directory, err := s.groupDir(group)
	if err != nil {
		return &StoreError{Op: "delete", Key: key, Group: group, Err: err}
	}

	err = os.Remove(filepath.Join(directory, entryFilename(key)))
	if err != nil && !os.IsNotExist(err) {
		return &StoreError{Op: "delete", Key: key, Group: group, Err: err}
	}
	return nil
}

// List decrypts every entry in the group and returns their keys. A
// group that was never written lists as empty. Entries that fail to
// decrypt are logged and skipped so one corrupt file cannot block
// bulk recovery of the rest.
func (s *FileStore) List(ctx context.Context, group string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StoreError{Op: "list", Group: group, Err: err}
	}

	directory, err := s.groupDir(group)
	if err != nil {
		return nil, &StoreError{Op: "list", Group: group, Err: err}
	}

	entries, err := os.ReadDir(directory)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "list", Group: group, Err: err}
	}

	var keys []string
	for _, dirEntry := range entries {
		if dirEntry.IsDir() || !strings.HasSuffix(dirEntry.Name(), entryExtension) {
			continue
		}
		ciphertext, err := os.ReadFile(filepath.Join(directory, dirEntry.Name()))
		if err != nil {
			s.logger.Error("store entry unreadable, skipping", "group", group, "file", dirEntry.Name(), "error", err)
			continue
		}
		entry, err := s.decryptEnvelope(ciphertext)
		if err != nil {
			s.logger.Error("store entry undecryptable, skipping", "group", group, "file", dirEntry.Name(), "error", err)
			continue
		}
		keys = append(keys, entry.Key)
	}
	return keys, nil
}

// groupDir maps an access group to its directory, rejecting group
// names that would escape the base path.
func (s *FileStore) groupDir(group string) (string, error) {
	if group == "" {
		return "", fmt.Errorf("access group must not be empty")
	}
	if strings.ContainsAny(group, "/\x00") || group == "." || group == ".." {
		return "", fmt.Errorf("invalid access group %q", group)
	}
	return filepath.Join(s.baseDir, group), nil
}

func (s *FileStore) entryMode(group string) os.FileMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sharedGroups[group] {
		return 0640
	}
	return 0600
}

func (s *FileStore) encrypt(plaintext []byte) ([]byte, error) {
	recipient, err := age.ParseX25519Recipient(s.identity.Recipient())
	if err != nil {
		return nil, fmt.Errorf("parsing store recipient: %w", err)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("encrypting entry: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing entry encryption: %w", err)
	}
	return ciphertext.Bytes(), nil
}

func (s *FileStore) decryptEnvelope(ciphertext []byte) (*envelope, error) {
	identity, err := s.identity.x25519()
	if err != nil {
		return nil, err
	}

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting entry: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted entry: %w", err)
	}

	var entry envelope
	if err := codec.Unmarshal(plaintext, &entry); err != nil {
		return nil, fmt.Errorf("decoding entry envelope: %w", err)
	}
	return &entry, nil
}

// entryFilename derives the entry file name from the key via a keyed
// BLAKE3 hash. Keys are canonical filesystem paths; hashing keeps
// them out of directory listings and sidesteps path-length and
// separator issues in filenames.
func entryFilename(key string) string {
	hasher, err := blake3.NewKeyed(filenameDomainKey[:])
	if err != nil {
		// NewKeyed fails only on a wrong key length; the domain key
		// is a compile-time 32-byte constant.
		panic("secstore: blake3 keyed hasher: " + err.Error())
	}
	hasher.Write([]byte(key))
	return hex.EncodeToString(hasher.Sum(nil)) + entryExtension
}

// atomicWrite writes data to path via a temp file in the same
// directory: write, fsync, rename. Readers never observe a partial
// entry.
func atomicWrite(path string, data []byte, mode os.FileMode) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("creating temporary entry file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary entry file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary entry file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary entry file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming entry into place: %w", err)
	}
	return nil
}
