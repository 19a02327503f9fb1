//go:build !linux

package flowpipe

import (
	"runtime"

	"github.com/pkg/errors"
)

func newEventLoop(srv *EventLoopServer) (eventLoop, error) {
	return nil, errors.Errorf("the %s adapter is not available on %s", AdapterEventLoop, runtime.GOOS)
}
