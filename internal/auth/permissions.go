package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Feature names a gated area of the back-office.
type Feature string

const (
	FeatureDashboard     Feature = "dashboard"
	FeatureUsers         Feature = "users"
	FeaturePayments      Feature = "payments"
	FeatureStories       Feature = "stories"
	FeatureVideos        Feature = "videos"
	FeatureDietPlans     Feature = "dietPlans"
	FeatureProducts      Feature = "products"
	FeatureTeams         Feature = "teams"
	FeatureChats         Feature = "chats"
	FeatureNotifications Feature = "notifications"
	FeatureDailyUpdates  Feature = "dailyUpdates"
	FeatureConsultations Feature = "consultations"
	FeatureOrders        Feature = "orders"
)

// Features lists every gated area in navigation order.
func Features() []Feature {
	return []Feature{
		FeatureDashboard, FeatureUsers, FeaturePayments, FeatureStories, FeatureVideos,
		FeatureDietPlans, FeatureProducts, FeatureTeams, FeatureChats, FeatureNotifications,
		FeatureDailyUpdates, FeatureConsultations, FeatureOrders,
	}
}

// Access is the kind of operation being checked.
type Access int

const (
	Read Access = iota
	Write
)

func (a Access) String() string {
	if a == Write {
		return "write"
	}
	return "read"
}

// Capability is what a holder may do with one feature.
type Capability struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

// Allows reports whether the capability grants a.
func (c Capability) Allows(a Access) bool {
	if a == Write {
		return c.Write
	}
	return c.Read
}

// UnmarshalJSON accepts the legacy boolean form, where true grants both read
// and write, as well as the {read, write} object.
func (c *Capability) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*c = Capability{}
		return nil
	case bytes.Equal(data, []byte("true")):
		*c = Capability{Read: true, Write: true}
		return nil
	case bytes.Equal(data, []byte("false")):
		*c = Capability{}
		return nil
	case len(data) > 0 && data[0] == '{':
		type plain Capability
		return json.Unmarshal(data, (*plain)(c))
	}
	return fmt.Errorf("permission must be a boolean or {read, write}, got %s", data)
}

// Permissions maps features to capabilities. Missing features grant nothing.
type Permissions map[Feature]Capability

// Allows reports whether the map grants a on f.
func (p Permissions) Allows(f Feature, a Access) bool {
	return p[f].Allows(a)
}

// Clone returns an independent copy.
func (p Permissions) Clone() Permissions {
	if p == nil {
		return Permissions{}
	}
	return maps.Clone(p)
}

// Readable returns the features the map grants read on, in navigation order.
func (p Permissions) Readable() []Feature {
	var out []Feature
	for _, f := range Features() {
		if p.Allows(f, Read) {
			out = append(out, f)
		}
	}
	return out
}

// Granted lists the feature names present in the map, sorted.
func (p Permissions) Granted() []Feature {
	return slices.Sorted(maps.Keys(p))
}
