// Copyright 2026 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blob

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gorse-io/alsbatch/storage"
	"github.com/juju/errors"
)

// POSIX stores blobs as files under a directory.
type POSIX struct {
	dir string
}

func NewPOSIX(dir string) *POSIX {
	return &POSIX{dir: dir}
}

func (p *POSIX) path(name string) string {
	return filepath.Join(p.dir, filepath.FromSlash(name))
}

func classifyPOSIX(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return errors.NewNotFound(err, "")
	}
	return storage.Permanent(err)
}

// Open a file for reading.
func (p *POSIX) Open(_ context.Context, name string) (io.ReadCloser, error) {
	file, err := os.Open(p.path(name))
	if err != nil {
		return nil, errors.Trace(classifyPOSIX(err))
	}
	return file, nil
}

// Put writes to a temporary file then renames it over the target.
func (p *POSIX) Put(_ context.Context, name string, data []byte) error {
	fullPath := p.path(name)
	if err := os.MkdirAll(filepath.Dir(fullPath), os.ModePerm); err != nil {
		return errors.Trace(classifyPOSIX(err))
	}
	file, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return errors.Trace(classifyPOSIX(err))
	}
	tmpPath := file.Name()
	if _, err = file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return errors.Trace(classifyPOSIX(err))
	}
	if err = file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Trace(classifyPOSIX(err))
	}
	if err = os.Rename(tmpPath, fullPath); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Trace(classifyPOSIX(err))
	}
	return nil
}

func (p *POSIX) List(_ context.Context, prefix string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(p.dir, func(fullPath string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(p.dir, fullPath)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(classifyPOSIX(err))
	}
	sort.Strings(names)
	return names, nil
}

func (p *POSIX) Copy(ctx context.Context, src, dst string) error {
	data, err := Get(ctx, p, src)
	if err != nil {
		return errors.Trace(err)
	}
	return p.Put(ctx, dst, data)
}

func (p *POSIX) Remove(_ context.Context, name string) error {
	if err := os.Remove(p.path(name)); err != nil {
		return errors.Trace(classifyPOSIX(err))
	}
	return nil
}
