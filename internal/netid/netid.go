package netid

import (
	"context"
	"errors"
	"strings"
)

// ErrIdentityUnavailable is returned by providers when the OS refuses to
// expose the access point identifier, usually for lack of location
// permission.
var ErrIdentityUnavailable = errors.New("access point identity unavailable")

// Result is the outcome of matching the current access point against an
// allow-list.
type Result int

const (
	Connected Result = iota + 1
	WrongNetwork
	NotOnWireless
	IdentityUnavailable
)

func (r Result) String() string {
	switch r {
	case Connected:
		return "connected"
	case WrongNetwork:
		return "wrong_network"
	case NotOnWireless:
		return "not_on_wireless"
	case IdentityUnavailable:
		return "identity_unavailable"
	}
	return "unknown"
}

// redactedBSSID is what Android hands out when the app lacks location
// permission.
const redactedBSSID = "02:00:00:00:00:00"

// Provider reports the identifier of the access point the device is
// associated with. A nil id means the device is not on a wireless network.
type Provider interface {
	CurrentAccessPointID(ctx context.Context) (*string, error)
}

// AllowList is the set of access point identifiers that belong to one
// classroom. Build it with NewAllowList so identifiers are normalised.
type AllowList struct {
	ids map[string]struct{}
}

// NewAllowList normalises ids and drops blanks.
func NewAllowList(ids ...string) AllowList {
	l := AllowList{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if n := Normalize(id); n != "" {
			l.ids[n] = struct{}{}
		}
	}
	return l
}

// Len returns the number of distinct identifiers.
func (l AllowList) Len() int { return len(l.ids) }

// Has reports membership of id after normalisation.
func (l AllowList) Has(id string) bool {
	_, ok := l.ids[Normalize(id)]
	return ok
}

// IDs returns the normalised identifiers in no particular order.
func (l AllowList) IDs() []string {
	out := make([]string, 0, len(l.ids))
	for id := range l.ids {
		out = append(out, id)
	}
	return out
}

// Normalize lower-cases an identifier and unifies '-' separators to ':'.
func Normalize(id string) string {
	id = strings.TrimSpace(strings.ToLower(id))
	return strings.ReplaceAll(id, "-", ":")
}

// IsKnownAccessPoint classifies the current access point id against list.
func IsKnownAccessPoint(current *string, list AllowList) Result {
	if current == nil {
		return NotOnWireless
	}
	id := Normalize(*current)
	if id == "" || id == redactedBSSID {
		return IdentityUnavailable
	}
	if list.Has(id) {
		return Connected
	}
	return WrongNetwork
}

// Verify queries p once and classifies the answer. Any provider error is
// treated as the identity being unavailable.
func Verify(ctx context.Context, p Provider, list AllowList) Result {
	current, err := p.CurrentAccessPointID(ctx)
	if err != nil {
		return IdentityUnavailable
	}
	return IsKnownAccessPoint(current, list)
}
