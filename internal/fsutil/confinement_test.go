package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfineRelPath_AllowsOrdinaryPath(t *testing.T) {
	root := t.TempDir()
	resolved, err := ConfineRelPath(root, filepath.Join("GAME_1", "CAM_L"))
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(resolved))
}

func TestConfineRelPath_RejectsTraversal(t *testing.T) {
	root := t.TempDir()
	_, err := ConfineRelPath(root, filepath.Join("..", "etc", "passwd"))
	require.Error(t, err)
}

func TestConfineRelPath_RejectsAbsoluteTarget(t *testing.T) {
	root := t.TempDir()
	_, err := ConfineRelPath(root, "/etc/passwd")
	require.Error(t, err)
}

func TestConfineRelPath_RejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	_, err := ConfineRelPath(root, filepath.Join("escape", "file"))
	require.Error(t, err)
}

func TestConfineAbsPath_RejectsOutsideRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	_, err := ConfineAbsPath(root, filepath.Join(outside, "file"))
	require.Error(t, err)
}
