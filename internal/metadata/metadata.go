// Package metadata reads point-in-time stat information for a changed file.
package metadata

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Snapshot is the stat information of a file at the moment an event was
// processed. The zero value is the empty snapshot, returned when the file
// could not be read.
type Snapshot struct {
	Size int64
	// Permissions is the ls-style mode string, e.g. "-rw-r--r--" or
	// "drwxrwxrwt". See FormatMode.
	Permissions string
	// Owner and Group are account names, or the numeric id when the
	// account database has no entry. Both are empty on platforms without
	// POSIX ownership.
	Owner   string
	Group   string
	ModTime time.Time
	// Extension is the lowercased final suffix including the dot, or "".
	Extension string
}

// Empty reports whether s carries no data.
func (s Snapshot) Empty() bool {
	return s == Snapshot{}
}

// Extractor reads Snapshots. The zero value is usable and logs through
// slog.Default().
type Extractor struct {
	Logger *slog.Logger
}

// NewExtractor returns an Extractor logging to logger.
func NewExtractor(logger *slog.Logger) *Extractor {
	return &Extractor{Logger: logger}
}

// Extract stats path once. A file that vanished between notification and
// read yields an empty Snapshot and a warning; the caller still logs the
// event.
func (e *Extractor) Extract(path string) Snapshot {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			e.logger().Warn("file not found", slog.String("path", path))
		} else {
			e.logger().Error("cannot stat file",
				slog.String("path", path),
				slog.Any("error", err))
		}
		return Snapshot{}
	}
	return FromFileInfo(path, info)
}

// FromFileInfo builds a Snapshot from an existing stat result.
func FromFileInfo(path string, info fs.FileInfo) Snapshot {
	s := Snapshot{
		Size:        info.Size(),
		Permissions: FormatMode(info.Mode()),
		ModTime:     info.ModTime(),
		Extension:   strings.ToLower(filepath.Ext(path)),
	}
	if uid, gid, ok := ownerIDs(info); ok {
		s.Owner = userName(uid)
		s.Group = groupName(gid)
	}
	return s
}

// FormatMode renders m in the ten-character form printed by ls -l: one type
// character followed by the owner, group and other rwx triads. Setuid and
// setgid show as s (S without execute) in the owner and group triads, and
// the sticky bit as t (T) in the other triad.
func FormatMode(m fs.FileMode) string {
	var b [10]byte
	b[0] = typeChar(m)

	const rwx = "rwxrwxrwx"
	perm := m.Perm()
	for i := 0; i < 9; i++ {
		if perm&(1<<uint(8-i)) != 0 {
			b[i+1] = rwx[i]
		} else {
			b[i+1] = '-'
		}
	}

	special := func(idx int, set bool, lower byte) {
		if !set {
			return
		}
		if b[idx] == 'x' {
			b[idx] = lower
		} else {
			b[idx] = lower - ('a' - 'A')
		}
	}
	special(3, m&fs.ModeSetuid != 0, 's')
	special(6, m&fs.ModeSetgid != 0, 's')
	special(9, m&fs.ModeSticky != 0, 't')
	return string(b[:])
}

func typeChar(m fs.FileMode) byte {
	switch {
	case m&fs.ModeDir != 0:
		return 'd'
	case m&fs.ModeSymlink != 0:
		return 'l'
	case m&fs.ModeCharDevice != 0:
		return 'c'
	case m&fs.ModeDevice != 0:
		return 'b'
	case m&fs.ModeNamedPipe != 0:
		return 'p'
	case m&fs.ModeSocket != 0:
		return 's'
	default:
		return '-'
	}
}

func (e *Extractor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// userName resolves uid, falling back to the numeric id when the account
// database has no entry.
func userName(uid uint32) string {
	id := strconv.FormatUint(uint64(uid), 10)
	if u, err := user.LookupId(id); err == nil {
		return u.Username
	}
	return id
}

func groupName(gid uint32) string {
	id := strconv.FormatUint(uint64(gid), 10)
	if g, err := user.LookupGroupId(id); err == nil {
		return g.Name
	}
	return id
}
