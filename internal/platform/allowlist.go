package platform

import (
	"github.com/google/uuid"
	"github.com/srg/am43/internal/blind"
	"github.com/srg/am43/internal/device"
)

// AllowList decides which discovered blinds may be bound.
// The zero value denies everything.
type AllowList struct {
	all bool
	ids map[string]struct{}
}

// NewAllowList builds an explicit list. An empty list denies all.
func NewAllowList(ids []string) AllowList {
	l := AllowList{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if n := device.NormalizeIdentity(id); n != "" {
			l.ids[n] = struct{}{}
		}
	}
	return l
}

// AllowAll accepts every blind
func AllowAll() AllowList { return AllowList{all: true} }

// Allows reports whether the identity's id or address is listed
func (l AllowList) Allows(id blind.Identity) bool {
	if l.all {
		return true
	}
	for _, candidate := range []string{id.ID, id.Address} {
		if candidate == "" {
			continue
		}
		if _, ok := l.ids[device.NormalizeIdentity(candidate)]; ok {
			return true
		}
	}
	return false
}

func (l AllowList) AllowsAll() bool { return l.all }

// accessoryNamespace scopes reconciliation keys to this bridge
var accessoryNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("am43-blinds"))

// ReconciliationKey is the stable accessory key derived from a device id
func ReconciliationKey(id string) string {
	return uuid.NewSHA1(accessoryNamespace, []byte(id)).String()
}

// IdentityFromAdvertisement derives the identity of a discovered peripheral
func IdentityFromAdvertisement(adv device.Advertisement) blind.Identity {
	return blind.NewIdentity(adv.ID(), adv.Address(), adv.LocalName())
}

// Invert converts between device-native (100 = closed) and host (100 = open) positions.
// It is applied once, at the accessory boundary.
func Invert(position int) int {
	return 100 - position
}
