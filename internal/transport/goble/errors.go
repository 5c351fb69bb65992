package goble

import (
	"fmt"
	"strings"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/transport"
)

// NormalizeError maps known go-ble error strings into the transport taxonomy.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: bluetooth is turned off: %v", transport.ErrNotReady, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", transport.ErrNotReady, err)
	case containsIgnoreCase(msg, "operation not permitted"), containsIgnoreCase(msg, "permission denied"):
		return fmt.Errorf("%w: %v", transport.ErrFatal, err)
	case containsIgnoreCase(msg, "insufficient authentication"), containsIgnoreCase(msg, "insufficient encryption"):
		return fmt.Errorf("%w: %v", transport.ErrAuthentication, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"),
		containsIgnoreCase(msg, "connection is not initialized"),
		containsIgnoreCase(msg, "context deadline exceeded"):
		return fmt.Errorf("%w: %v", transport.ErrInteraction, err)
	case containsIgnoreCase(msg, "not supported"):
		return fmt.Errorf("%w: %v", transport.ErrUnsupported, err)
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// fail builds the taxonomy error of a failed go-ble call on u. The kind follows the
// normalized cause and defaults to an interaction failure.
func fail(u address.URL, err error, msg string) error {
	err = NormalizeError(err)
	switch transport.KindOf(err) {
	case transport.KindNotReady:
		return transport.NotReady(u, "%s: %v", msg, err)
	case transport.KindFatal:
		return transport.Fatal(u, err, "%s", msg)
	case transport.KindAuthentication:
		return transport.Authentication(u, err, "%s", msg)
	case transport.KindUnsupported:
		return transport.Unsupported(u, "%s: %v", msg, err)
	default:
		return transport.Interaction(u, err, "%s", msg)
	}
}
