//go:build !linux

package elfdyn

import (
	"fmt"
	"os"
)

// MappedFile reads the whole file on platforms without the mmap path.
type MappedFile struct {
	data []byte
}

func MapFile(path string) (*MappedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty ELF image: %s", path)
	}
	return &MappedFile{data: data}, nil
}

func (m *MappedFile) Bytes() []byte { return m.data }

func (m *MappedFile) Close() error {
	m.data = nil
	return nil
}
