//go:build !linux

package uring

import (
	"fmt"

	"github.com/ehrlich-b/go-dmaperf/internal/interfaces"
)

func newContext(cfg Config) (interfaces.AsyncContext, error) {
	return nil, fmt.Errorf("uring: io_uring requires linux")
}
