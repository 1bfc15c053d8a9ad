package sysfs_test

import (
	"testing"

	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
	"github.com/nebuly-ai/nos-partitioner/pkg/sysfs"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemFS(t *testing.T, files map[string]string) (afero.Fs, sysfs.FS) {
	fs := afero.NewMemMapFs()
	for path, content := range files {
		require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0644))
	}
	return fs, sysfs.NewFS(fs)
}

func TestFS_ReadString(t *testing.T) {
	_, fs := newMemFS(t, map[string]string{"/sys/a/name": "  GRID A100-4C \n"})

	value, err := fs.ReadString("/sys/a/name")
	assert.Nil(t, err)
	assert.Equal(t, "GRID A100-4C", value)

	_, err = fs.ReadString("/sys/a/missing")
	assert.NotNil(t, err)
	assert.True(t, err.IsNotFound())
}

func TestFS_ReadInt(t *testing.T) {
	testCases := []struct {
		name          string
		content       string
		expected      int
		expectedError gpu.ErrorCode
	}{
		{
			name:     "Integer with trailing newline",
			content:  "4\n",
			expected: 4,
		},
		{
			name:     "Zero",
			content:  "0",
			expected: 0,
		},
		{
			name:          "Malformed content",
			content:       "four\n",
			expectedError: gpu.ErrorCodeDriver,
		},
		{
			name:          "Empty file",
			content:       "",
			expectedError: gpu.ErrorCodeDriver,
		},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			_, fs := newMemFS(t, map[string]string{"/sys/value": tt.content})
			value, err := fs.ReadInt("/sys/value")
			if tt.expectedError != "" {
				assert.NotNil(t, err)
				assert.Equal(t, tt.expectedError, err.Code())
				return
			}
			assert.Nil(t, err)
			assert.Equal(t, tt.expected, value)
		})
	}
}

func TestFS_WriteString(t *testing.T) {
	memFs, fs := newMemFS(t, map[string]string{"/sys/create": ""})

	assert.Nil(t, fs.WriteString("/sys/create", "abc\n"))
	content, err := afero.ReadFile(memFs, "/sys/create")
	require.NoError(t, err)
	assert.Equal(t, "abc\n", string(content))

	writeErr := fs.WriteString("/sys/missing/remove", "1")
	assert.NotNil(t, writeErr)
	assert.True(t, writeErr.IsNotFound())
	assert.False(t, fs.Exists("/sys/missing/remove"))
}

func TestFS_List(t *testing.T) {
	_, fs := newMemFS(t, map[string]string{
		"/sys/types/nvidia-2/name":  "b",
		"/sys/types/nvidia-10/name": "c",
		"/sys/types/nvidia-1/name":  "a",
	})

	entries, err := fs.List("/sys/types")
	assert.Nil(t, err)
	assert.Equal(t, []string{"nvidia-1", "nvidia-10", "nvidia-2"}, entries)

	_, err = fs.List("/sys/other")
	assert.True(t, gpu.IsNotFound(err))
}

func TestFS_Readlink(t *testing.T) {
	_, fs := newMemFS(t, nil)
	_, err := fs.Readlink("/sys/link")
	assert.NotNil(t, err)
	assert.Equal(t, gpu.ErrorCodeUnsupported, err.Code())
}
