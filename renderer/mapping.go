package renderer

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/tutorials/gpu"
)

var ErrMappingReleased = errors.New("renderer: constant buffer mapping released")

// persistentMapping keeps an upload buffer mapped from creation until
// release, which happens exactly once.
type persistentMapping struct {
	mu       sync.Mutex
	resource gpu.Resource
	data     []byte
}

func mapPersistently(resource gpu.Resource) (*persistentMapping, error) {
	data, err := resource.Map()
	if err != nil {
		return nil, errors.Wrap(err, "map constant buffer")
	}
	return &persistentMapping{resource: resource, data: data}, nil
}

func (m *persistentMapping) write(offset int, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return ErrMappingReleased
	}
	if offset < 0 || offset+len(b) > len(m.data) {
		return errors.Newf("renderer: write [%d,%d) outside mapping of %d bytes", offset, offset+len(b), len(m.data))
	}
	copy(m.data[offset:], b)
	return nil
}

func (m *persistentMapping) zero() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return ErrMappingReleased
	}
	for i := range m.data {
		m.data[i] = 0
	}
	return nil
}

func (m *persistentMapping) release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return
	}
	m.resource.Unmap()
	m.data = nil
}
