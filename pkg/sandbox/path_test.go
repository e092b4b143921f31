package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_Resolve(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root)

	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "empty resolves to root", input: ""},
		{name: "relative path", input: "a/b/c.txt"},
		{name: "absolute path under root", input: filepath.Join(root, "x.txt")},
		{name: "dot-dot escape", input: "../../etc/passwd", wantErr: ErrPathEscape},
		{name: "absolute escape", input: "/etc/passwd", wantErr: ErrPathEscape},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.input)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.True(t, got == root || len(got) > len(root))
		})
	}
}

func TestResolver_ResolveExisting_SymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("nope"), 0o644))
	link := filepath.Join(root, "escape")
	require.NoError(t, os.Symlink(outside, link))

	r := NewResolver(root)
	_, err := r.ResolveExisting("escape/secret.txt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPathEscape))
}

func TestResolver_ResolveExisting_NotFound(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root)

	_, err := r.ResolveExisting("does/not/exist.txt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}
