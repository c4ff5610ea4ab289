package atomicio

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"worldforge/internal/apperr"
)

const tempSuffix = ".tmp"

func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.IO(dir, "could not create directory", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*"+tempSuffix)
	if err != nil {
		return apperr.IO(path, "could not create temporary file", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return apperr.IO(path, "could not write file", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return apperr.IO(path, "could not flush file to disk", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperr.IO(path, "could not close file", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return apperr.IO(path, "could not set file permissions", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return apperr.IO(path, "could not replace file", err)
	}

	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func WriteJSON(path string, v any) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return WriteFile(path, data, 0o644)
}

func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return apperr.NotFound(path, "file does not exist")
		}
		return apperr.IO(path, "could not read file", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return apperr.Corrupt(path, errors.New("file is empty"), `run "worldforge health repair"`)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Corrupt(path, err, `run "worldforge health repair"`)
	}
	return nil
}

func AppendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperr.IO(filepath.Dir(path), "could not create directory", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperr.IO(path, "could not open log for appending", err)
	}
	defer f.Close()

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, bytes.TrimRight(line, "\n")...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		return apperr.IO(path, "could not append to log", err)
	}
	if err := f.Sync(); err != nil {
		return apperr.IO(path, "could not flush log to disk", err)
	}
	return nil
}

func IsTempFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".") && strings.HasSuffix(base, tempSuffix)
}
