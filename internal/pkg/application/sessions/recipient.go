package sessions

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/diwise/iot-farm-bridge/pkg/types"
)

const userServer string = "@s.whatsapp.net"

var ErrInvalidRecipient = fmt.Errorf("%w: invalid recipient", types.ErrValidation)

// NormalizeRecipient turns a phone number into a chat address. Values that already
// contain a server part are returned as is.
func NormalizeRecipient(to string) (string, error) {
	to = strings.TrimSpace(to)

	if strings.Contains(to, "@") {
		return to, nil
	}

	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, to)

	if len(digits) < 10 {
		return "", fmt.Errorf("%w %q", ErrInvalidRecipient, to)
	}

	return digits + userServer, nil
}
