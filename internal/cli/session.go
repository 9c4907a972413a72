package cli

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"commodex/internal/syncq"
)

const sessionFile = "session.json"

var errNotLoggedIn = errors.New("not logged in: run `cdx login --token <jwt>`")

// Session is the identity the CLI acts as. The token is issued by the
// external auth service and pasted in with `cdx login`.
type Session struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
}

// BaseDir is ~/.cdx, created on first use. The session and the offline
// queue both live there.
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "locate home directory")
	}
	dir := filepath.Join(home, ".cdx")
	return dir, errors.Wrap(os.MkdirAll(dir, 0o700), "create cdx directory")
}

func inBaseDir(name string) (string, error) {
	dir, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func SaveSession(s Session) error {
	path, err := inBaseDir(sessionFile)
	if err != nil {
		return err
	}
	return syncq.WriteJSON(path, s)
}

func LoadSession() (Session, error) {
	path, err := inBaseDir(sessionFile)
	if err != nil {
		return Session{}, err
	}
	var s Session
	found, err := syncq.ReadJSON(path, &s)
	switch {
	case err != nil:
		return Session{}, errors.Wrap(err, "read session")
	case !found:
		return Session{}, errNotLoggedIn
	case strings.TrimSpace(s.AccessToken) == "":
		return Session{}, errors.New("no access token found in session")
	}
	return s, nil
}

// ClearSession is a no-op when nobody is logged in.
func ClearSession() error {
	path, err := inBaseDir(sessionFile)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
