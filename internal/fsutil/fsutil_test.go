package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeTitle(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain", "Hello World", "Hello World"},
		{"Illegal characters", `a\b/c:d*e?f"g<h>i|j`, "a_b_c_d_e_f_g_h_i_j"},
		{"Collapse whitespace", "  a \t\n b   c ", "a b c"},
		{"CJK kept", "【合集】第1集：开始", "【合集】第1集：开始"},
		{"ASCII colon in CJK", "第1集: 开始", "第1集_ 开始"},
		{"Garbled stripped", "标题銆€鈥爓x�", "标题x"},
		{"Garbled marker joined by removal", "Song 鈥�爓 live", "Song live"},
		{"Nested markers", "a鈥鈥�爓爓b", "ab"},
		{"Empty", "", UnnamedTitle},
		{"Only whitespace", "   ", UnnamedTitle},
		{"Only garbled", "銆�", UnnamedTitle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SafeTitle(tt.input)
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, got, SafeTitle(got), "idempotent")
		})
	}
}

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.tmp")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))

	dst := filepath.Join(dir, "nested", "deeper", "out.mp4")
	require.NoError(t, MoveFile(src, dst))

	content, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))

	t.Run("Missing source", func(t *testing.T) {
		err := MoveFile(filepath.Join(dir, "nope"), filepath.Join(dir, "x"))
		assert.Error(t, err)
		_, statErr := os.Stat(filepath.Join(dir, "x"))
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a")
	dst := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(src, []byte("abc"), 0644))
	require.NoError(t, copyFile(src, dst))

	content, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(content))
}

func TestRemoveIfExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	assert.NoError(t, RemoveIfExists(path))
	assert.NoError(t, RemoveIfExists(path))
	assert.NoError(t, RemoveIfExists(""))
}

func TestFreeSpace(t *testing.T) {
	dir := t.TempDir()

	info, err := FreeSpace(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, info.Path)
	assert.Greater(t, info.Total, uint64(0))

	// 不存在的子目录按最近的已存在父目录计算
	missing := filepath.Join(dir, "not", "yet")
	info2, err := FreeSpace(missing)
	require.NoError(t, err)
	assert.Equal(t, missing, info2.Path)
	assert.Equal(t, info.Total, info2.Total)
}
