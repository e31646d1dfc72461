//go:build !linux

package arena

func allocBacking(size int) ([]byte, func([]byte) error, error) {
	return make([]byte, size), nil, nil
}
