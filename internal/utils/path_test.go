package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	cwd, err := os.Getwd()
	require.NoError(t, err)

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"empty path", "", "", true},
		{"tilde expands to home", "~/papers", filepath.Join(home, "papers"), false},
		{"bare tilde", "~", home, false},
		{"absolute path unchanged", "/tmp/replica", "/tmp/replica", false},
		{"relative path anchored to cwd", "replica", filepath.Join(cwd, "replica"), false},
		{"dot segments cleaned", "/tmp/a/../b/./c", "/tmp/b/c", false},
		{"trailing slash cleaned", "/tmp/replica/", "/tmp/replica", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolvePath(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
