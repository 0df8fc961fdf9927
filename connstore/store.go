// Package connstore persists smbproxy connections in a YAML file.
//
// Passwords can be sealed at rest with XChaCha20-Poly1305 under a 32-byte
// key. A sealed entry is bound to its connection ID, so an entry copied
// under another ID fails to open.
package connstore

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"gopkg.in/yaml.v3"

	"github.com/absfs/smbproxy"
)

// sealVersion prefixes every sealed password.
const sealVersion byte = 0x01

// KeySize is the length of the sealing key.
const KeySize = chacha20poly1305.KeySize

// ErrBadKey is returned for sealing keys of the wrong length.
var ErrBadKey = errors.New("connstore: sealing key must be 32 bytes")

// NewID returns a fresh connection ID.
func NewID() string {
	return uuid.New().String()
}

// storedConnection is the on-disk form of a connection.
type storedConnection struct {
	smbproxy.Connection `yaml:",inline"`
	SealedPassword      string `yaml:"sealed_password,omitempty"`
}

type storeFile struct {
	Connections []storedConnection `yaml:"connections"`
}

// FileStore is a smbproxy.ConnectionPersister backed by one YAML file. The
// file is rewritten in full on every change.
type FileStore struct {
	path string
	key  []byte

	mu sync.Mutex
}

// NewFileStore creates a store at path. A nil key stores passwords in
// clear text.
func NewFileStore(path string, key []byte) (*FileStore, error) {
	if key != nil && len(key) != KeySize {
		return nil, ErrBadKey
	}
	return &FileStore{path: path, key: key}, nil
}

// Path returns the file the store writes.
func (s *FileStore) Path() string { return s.path }

// LoadConnections returns the stored connections in file order. Entries
// without an ID are given one and the file is rewritten. A missing file
// holds no connections.
func (s *FileStore) LoadConnections() ([]smbproxy.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.read()
	if err != nil {
		return nil, err
	}

	assigned := false
	for i := range stored {
		if stored[i].ID == "" {
			stored[i].ID = NewID()
			assigned = true
		}
	}
	if assigned {
		if err := s.write(stored); err != nil {
			return nil, err
		}
	}

	conns := make([]smbproxy.Connection, 0, len(stored))
	for _, sc := range stored {
		conn, err := s.open(sc)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

// SaveConnection adds conn or replaces the entry with the same ID.
func (s *FileStore) SaveConnection(conn smbproxy.Connection) error {
	if conn.ID == "" {
		return fmt.Errorf("%w: connection id is required", smbproxy.ErrInvalidConfig)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.read()
	if err != nil {
		return err
	}

	sc, err := s.seal(conn)
	if err != nil {
		return err
	}

	replaced := false
	for i := range stored {
		if stored[i].ID == conn.ID {
			stored[i] = sc
			replaced = true
			break
		}
	}
	if !replaced {
		stored = append(stored, sc)
	}
	return s.write(stored)
}

// DeleteConnection removes the entry with the given ID. Deleting an unknown
// ID is not an error.
func (s *FileStore) DeleteConnection(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.read()
	if err != nil {
		return err
	}

	out := stored[:0]
	for _, sc := range stored {
		if sc.ID != id {
			out = append(out, sc)
		}
	}
	if len(out) == len(stored) {
		return nil
	}
	return s.write(out)
}

func (s *FileStore) read() ([]storedConnection, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	var f storeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return f.Connections, nil
}

// write replaces the file through a temporary file in the same directory.
func (s *FileStore) write(stored []storedConnection) error {
	data, err := yaml.Marshal(storeFile{Connections: stored})
	if err != nil {
		return fmt.Errorf("encode connections: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".connections-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

// seal converts conn to its stored form, sealing the password when the
// store has a key.
func (s *FileStore) seal(conn smbproxy.Connection) (storedConnection, error) {
	sc := storedConnection{Connection: conn}
	if s.key == nil || conn.Password == "" {
		return sc, nil
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return sc, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return sc, fmt.Errorf("generating random nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), 1+len(nonce)+len(conn.Password)+aead.Overhead())
	out[0] = sealVersion
	copy(out[1:], nonce[:])
	out = aead.Seal(out, nonce[:], []byte(conn.Password), []byte(conn.ID))

	sc.Password = ""
	sc.SealedPassword = base64.StdEncoding.EncodeToString(out)
	return sc, nil
}

// open converts a stored entry back into a connection.
func (s *FileStore) open(sc storedConnection) (smbproxy.Connection, error) {
	conn := sc.Connection
	if sc.SealedPassword == "" {
		return conn, nil
	}
	if s.key == nil {
		return conn, fmt.Errorf("connection %q: password is sealed and no key is configured", sc.ID)
	}

	blob, err := base64.StdEncoding.DecodeString(sc.SealedPassword)
	if err != nil {
		return conn, fmt.Errorf("connection %q: decode sealed password: %w", sc.ID, err)
	}
	if len(blob) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead || blob[0] != sealVersion {
		return conn, fmt.Errorf("connection %q: malformed sealed password", sc.ID)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return conn, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], []byte(sc.ID))
	if err != nil {
		return conn, fmt.Errorf("connection %q: open sealed password: %w", sc.ID, err)
	}

	conn.Password = string(plain)
	return conn, nil
}
