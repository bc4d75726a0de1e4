//go:build unix

package fs

import (
	"database/sql"
	"fmt"
	"io/fs"
	"syscall"
	"time"

	"coldvault/internal/core"
)

// ExtractStatData extracts Unix-specific stat data from a FileInfo.
func (m *OSFilesystemManager) ExtractStatData(info fs.FileInfo) (*core.StatData, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, fmt.Errorf("cannot extract stat data: expected *syscall.Stat_t, got %T", info.Sys())
	}

	return &core.StatData{
		UID:   int64(stat.Uid),
		GID:   int64(stat.Gid),
		Mode:  uint32(stat.Mode),
		Atime: time.Unix(stat.Atim.Sec, stat.Atim.Nsec),
		Ctime: time.Unix(stat.Ctim.Sec, stat.Ctim.Nsec),
		Mtime: time.Unix(stat.Mtim.Sec, stat.Mtim.Nsec),
		// Birth time is not available on most Unix filesystems.
		BirthTime: sql.NullTime{Valid: false},
	}, nil
}
