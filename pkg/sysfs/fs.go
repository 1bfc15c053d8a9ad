/*
 * Copyright 2023 nebuly.com.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package sysfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
	"github.com/spf13/afero"
)

// FS is the capability port over the kernel pseudo-filesystem.
// Absent paths always fail with gpu.NotFoundErr.
type FS interface {
	// ReadString returns the trimmed content of the file
	ReadString(path string) (string, gpu.Error)
	// ReadInt parses the content of the file as a base-10 integer
	ReadInt(path string) (int, gpu.Error)
	// WriteString writes value to an existing file, it never creates new files
	WriteString(path string, value string) gpu.Error
	// List returns the names of the entries of the directory, sorted by name
	List(path string) ([]string, gpu.Error)
	Exists(path string) bool
	// Readlink returns the target of a symbolic link
	Readlink(path string) (string, gpu.Error)
}

type aferoFS struct {
	fs afero.Fs
}

func NewFS(fs afero.Fs) FS {
	return &aferoFS{fs: fs}
}

func NewOsFS() FS {
	return NewFS(afero.NewOsFs())
}

func (a *aferoFS) ReadString(path string) (string, gpu.Error) {
	content, err := afero.ReadFile(a.fs, path)
	if err != nil {
		return "", asError(err, "error reading %s", path)
	}
	return strings.TrimSpace(string(content)), nil
}

func (a *aferoFS) ReadInt(path string) (int, gpu.Error) {
	content, err := a.ReadString(path)
	if err != nil {
		return 0, err
	}
	value, parseErr := strconv.Atoi(content)
	if parseErr != nil {
		return 0, gpu.DriverErr.Errorf("malformed content of %s: %q is not an integer", path, content)
	}
	return value, nil
}

func (a *aferoFS) WriteString(path string, value string) gpu.Error {
	f, err := a.fs.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return asError(err, "error opening %s", path)
	}
	_, err = f.WriteString(value)
	closeErr := f.Close()
	if err != nil {
		return asError(err, "error writing %s", path)
	}
	if closeErr != nil {
		return asError(closeErr, "error writing %s", path)
	}
	return nil
}

func (a *aferoFS) List(path string) ([]string, gpu.Error) {
	entries, err := afero.ReadDir(a.fs, path)
	if err != nil {
		return nil, asError(err, "error listing %s", path)
	}
	res := make([]string, len(entries))
	for i, e := range entries {
		res[i] = e.Name()
	}
	return res, nil
}

func (a *aferoFS) Exists(path string) bool {
	exists, err := afero.Exists(a.fs, path)
	return err == nil && exists
}

func (a *aferoFS) Readlink(path string) (string, gpu.Error) {
	lr, ok := a.fs.(afero.LinkReader)
	if !ok {
		return "", gpu.UnsupportedErr.Errorf("filesystem does not support symbolic links")
	}
	target, err := lr.ReadlinkIfPossible(path)
	if err != nil {
		return "", asError(err, "error reading link %s", path)
	}
	return target, nil
}

func asError(err error, format string, args ...any) gpu.Error {
	wrapped := fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return gpu.NotFoundErr.Wrap(wrapped)
	case errors.Is(err, fs.ErrPermission):
		return gpu.PermissionDeniedErr.Wrap(wrapped)
	default:
		return gpu.DriverErr.Wrap(wrapped)
	}
}
