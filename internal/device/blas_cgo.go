//go:build netlib && cgo

package device

// Building with -tags netlib routes the gonum BLAS calls made by CPU kernels
// and the host driver through the system BLAS.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	blas64.Use(netlib.Implementation{})
	log.Debug().Msg("Using netlib BLAS for CPU kernels")
}
