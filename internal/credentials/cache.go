// Package credentials persists the cloud session and push registration
// across restarts.
package credentials

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"eufy-go-home/internal/eufy"
)

// ErrPersistenceWrite wraps every failure to write the credential file.
var ErrPersistenceWrite = errors.New("persist credentials")

// Data is the on-disk structure.
type Data struct {
	LoginHash            string               `json:"login_hash"`
	OpenUDID             string               `json:"openudid"`
	SerialNumber         string               `json:"serial_number"`
	APIBase              string               `json:"api_base"`
	CloudToken           string               `json:"cloud_token"`
	CloudTokenExpiration int64                `json:"cloud_token_expiration"` // unix seconds
	PushCredentials      eufy.PushCredentials `json:"push_credentials,omitempty"`
	PushPersistentIDs    []string             `json:"push_persistentIds"`
	Version              string               `json:"version"`
}

// Cache is the in-memory copy of the credential file. Every mutating
// setter except SetPushPersistentIDs rewrites the file.
type Cache struct {
	path     string
	username string
	password string
	logger   *slog.Logger

	mu   sync.Mutex
	data Data
}

// LoginHash is the fingerprint of an account's credentials.
func LoginHash(username, password string) string {
	sum := md5.Sum([]byte(username + ":" + password))
	return hex.EncodeToString(sum[:])
}

// Load reads path. Missing or corrupt files yield defaults. When the stored
// fingerprint does not match username/password, the cached token, its
// expiration and the api base are dropped.
func Load(path, username, password string, logger *slog.Logger) *Cache {
	c := &Cache{
		path:     path,
		username: username,
		password: password,
		logger:   logger.With("component", "credentials"),
	}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		c.logger.Debug("no persisted credentials", "path", path)
	case err != nil:
		c.logger.Warn("read persisted credentials", "path", path, "err", err)
	default:
		if err := json.Unmarshal(raw, &c.data); err != nil {
			c.logger.Warn("persisted credentials corrupt, starting fresh", "path", path, "err", err)
			c.data = Data{}
		}
	}

	hash := LoginHash(username, password)
	switch {
	case c.data.LoginHash == "":
		c.data.CloudToken = ""
		c.data.CloudTokenExpiration = 0
	case c.data.LoginHash != hash:
		c.logger.Info("account credentials changed, dropping cached session")
		c.data.CloudToken = ""
		c.data.CloudTokenExpiration = 0
		c.data.APIBase = ""
	}
	return c
}

// Snapshot returns a copy of the current data.
func (c *Cache) Snapshot() Data {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.data
	d.PushPersistentIDs = append([]string(nil), c.data.PushPersistentIDs...)
	return d
}

// Token returns the cached cloud token and its expiration. An empty token
// means none is cached.
func (c *Cache) Token() (string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data.CloudToken == "" {
		return "", time.Time{}
	}
	return c.data.CloudToken, time.Unix(c.data.CloudTokenExpiration, 0)
}

func (c *Cache) APIBase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.APIBase
}

func (c *Cache) PushCredentials() eufy.PushCredentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.PushCredentials
}

func (c *Cache) PushPersistentIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.data.PushPersistentIDs...)
}

func (c *Cache) SetToken(token string, expiration time.Time) error {
	return c.update(func(d *Data) {
		d.CloudToken = token
		if token == "" {
			d.CloudTokenExpiration = 0
		} else {
			d.CloudTokenExpiration = expiration.Unix()
		}
	})
}

func (c *Cache) SetAPIBase(base string) error {
	return c.update(func(d *Data) { d.APIBase = base })
}

func (c *Cache) SetPushCredentials(creds eufy.PushCredentials) error {
	return c.update(func(d *Data) { d.PushCredentials = creds })
}

// SetVersion records the running version.
func (c *Cache) SetVersion(version string) error {
	return c.update(func(d *Data) { d.Version = version })
}

// SetPushPersistentIDs only updates memory; the ids change with every push
// and are written by Save at shutdown.
func (c *Cache) SetPushPersistentIDs(ids []string) {
	c.mu.Lock()
	c.data.PushPersistentIDs = append([]string(nil), ids...)
	c.mu.Unlock()
}

// EnsureIdentity generates the client identifiers the cloud expects if they
// are not persisted yet.
func (c *Cache) EnsureIdentity() (openUDID, serial string, err error) {
	c.mu.Lock()
	missing := c.data.OpenUDID == "" || c.data.SerialNumber == ""
	c.mu.Unlock()
	if missing {
		err = c.update(func(d *Data) {
			if d.OpenUDID == "" {
				d.OpenUDID = newOpenUDID()
			}
			if d.SerialNumber == "" {
				d.SerialNumber = newSerialNumber(12)
			}
		})
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.OpenUDID, c.data.SerialNumber, err
}

// Save writes the current state.
func (c *Cache) Save() error {
	return c.update(func(*Data) {})
}

func (c *Cache) update(fn func(*Data)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.data)
	c.data.LoginHash = LoginHash(c.username, c.password)
	return writeAtomic(c.path, &c.data)
}

// writeAtomic replaces path with the JSON encoding of v via a synced temp
// file in the same directory, so a crash leaves either the old or the new
// file.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersistenceWrite, err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceWrite, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceWrite, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("%w: %w", ErrPersistenceWrite, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("%w: %w", ErrPersistenceWrite, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: %w", ErrPersistenceWrite, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return fmt.Errorf("%w: %w", ErrPersistenceWrite, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("%w: %w", ErrPersistenceWrite, err)
	}
	return nil
}

func newOpenUDID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

const serialAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

func newSerialNumber(n int) string {
	var b strings.Builder
	max := big.NewInt(int64(len(serialAlphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			idx = big.NewInt(int64(i % len(serialAlphabet)))
		}
		b.WriteByte(serialAlphabet[idx.Int64()])
	}
	return b.String()
}
