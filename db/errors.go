package db

import (
	"strings"

	"github.com/teranos/revsync/errors"
)

// ErrDatabaseClosed is returned when persistence runs after the database was
// closed, typically an observer callback racing process shutdown.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err means the connection is gone. The
// sqlite driver returns its own error values, so the message is matched too.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
