package config

import (
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

const credentialsFileName = "credentials.toml"

// Credentials is the long-lived pairing result the client keeps after
// redeeming a one-time code.
type Credentials struct {
	ServerURL string `toml:"server_url"`
	Token     string `toml:"token"`
	BridgeID  string `toml:"bridge_id"`
	UserID    string `toml:"user_id"`
}

func (c Credentials) Paired() bool {
	return strings.TrimSpace(c.Token) != ""
}

// Store persists credentials under the config dir with an atomic write, so a
// crash mid-save never corrupts the pairing.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Load() (Credentials, error) {
	path := filepath.Join(s.dir, credentialsFileName)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credentials{}, nil
		}
		return Credentials{}, err
	}
	var creds Credentials
	if err := toml.Unmarshal(b, &creds); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

func (s *Store) Save(creds Credentials) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return writeTOMLAtomically(filepath.Join(s.dir, credentialsFileName), creds)
}

func (s *Store) Clear() error {
	err := os.Remove(filepath.Join(s.dir, credentialsFileName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func writeTOMLAtomically(path string, v any) error {
	b, err := toml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
