// Package fsutil holds the file helpers shared by the fetch and download code
// 文件名清理、跨文件系统移动、磁盘空间查询
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

// UnnamedTitle is used when a title sanitizes to nothing
const UnnamedTitle = "unnamed"

var (
	illegalChars = regexp.MustCompile(`[\\/:*?"<>|]`)
	whitespace   = regexp.MustCompile(`\s+`)
	// 常见的 GBK/UTF-8 错码残留
	garbled = strings.NewReplacer("�", "", "銆", "", "€", "", "鈥爓", "")
)

// SafeTitle turns a title into a file name stem that is valid on every platform.
// SafeTitle(SafeTitle(s)) == SafeTitle(s).
func SafeTitle(title string) string {
	s := stripGarbled(title)
	s = illegalChars.ReplaceAllString(s, "_")
	s = whitespace.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return UnnamedTitle
	}
	return s
}

// stripGarbled removes markers until none are left; a removal can join a new one
func stripGarbled(s string) string {
	for {
		next := garbled.Replace(s)
		if next == s {
			return s
		}
		s = next
	}
}

// EnsureDir creates dir and its parents
func EnsureDir(dir string) error {
	if dir == "" {
		return errors.New("directory is empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

// MoveFile moves src to dst, creating dst's parent directory.
// A rename is tried first; across filesystems the file is copied and src removed.
func MoveFile(src, dst string) error {
	if err := EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	if err := copyFile(src, dst); err != nil {
		os.Remove(dst)
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove %s after copy: %w", src, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync %s: %w", dst, err)
	}
	return out.Close()
}

// RemoveIfExists removes path, ignoring a missing file
func RemoveIfExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SpaceInfo describes the filesystem holding a directory
type SpaceInfo struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"usedPercent"`
}

// FreeSpace reports disk usage for dir. A dir that does not exist yet is
// measured at its nearest existing ancestor.
func FreeSpace(dir string) (*SpaceInfo, error) {
	probe, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	for {
		if _, err := os.Stat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}

	usage, err := disk.Usage(probe)
	if err != nil {
		return nil, fmt.Errorf("disk usage for %s: %w", probe, err)
	}
	return &SpaceInfo{
		Path:        dir,
		Total:       usage.Total,
		Free:        usage.Free,
		Used:        usage.Used,
		UsedPercent: usage.UsedPercent,
	}, nil
}
