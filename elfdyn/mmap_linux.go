//go:build linux

package elfdyn

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MappedFile is a read-only file image, mmap'd so large shared objects
// are not copied into the heap just to read their metadata.
type MappedFile struct {
	data   []byte
	mapped bool
}

func MapFile(path string) (*MappedFile, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Size == 0 {
		return nil, fmt.Errorf("empty ELF image: %s", path)
	}

	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &MappedFile{data: data, mapped: true}, nil
}

func (m *MappedFile) Bytes() []byte { return m.data }

func (m *MappedFile) Close() error {
	if !m.mapped {
		return nil
	}
	m.mapped = false
	data := m.data
	m.data = nil
	return unix.Munmap(data)
}
