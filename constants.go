package dmaperf

import (
	"github.com/ehrlich-b/go-dmaperf/internal/constants"
	"github.com/ehrlich-b/go-dmaperf/internal/interfaces"
)

// Re-export constants for public API
const (
	DefaultPacketSize         = constants.DefaultPacketSize
	DefaultBurst              = constants.DefaultBurst
	DefaultRingDepth          = constants.DefaultRingDepth
	DefaultRequestsPerContext = constants.DefaultRequestsPerContext
	DefaultThreadsPerQueue    = constants.DefaultThreadsPerQueue
	DescriptorSize            = constants.DescriptorSize

	H2C = interfaces.H2C
	C2H = interfaces.C2H

	ModeMM = interfaces.ModeMM
	ModeST = interfaces.ModeST
)
