package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blegov/internal/transport"
)

// FormatUserError turns an error into a one-line message with a hint on what to do.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("%v (timed out; is the device in range and the adapter powered?)", err)
	}

	switch transport.KindOf(err) {
	case transport.KindNotReady:
		return fmt.Sprintf("%v (not ready yet; power the adapter or connect the device first)", err)
	case transport.KindAuthentication:
		return fmt.Sprintf("%v (pair the device first)", err)
	case transport.KindUnsupported:
		return fmt.Sprintf("%v (operation not supported by this object)", err)
	case transport.KindNotFound:
		return fmt.Sprintf("%v (check the URL)", err)
	case transport.KindFatal:
		return fmt.Sprintf("%v (check Bluetooth permissions)", err)
	default:
		return err.Error()
	}
}
