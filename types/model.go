package types

import (
	"time"
)

// ApConfig is the immutable configuration of the federation core.
// It is loaded once at startup and passed to constructors.
type ApConfig struct {
	FQDN string `yaml:"fqdn" json:"fqdn"`

	// ProxyURL routes outbound fetches through an egress proxy. When
	// set, destination addresses are not validated against the private
	// address policy, since the proxy itself usually lives on one.
	ProxyURL string `yaml:"proxyUrl" json:"proxyUrl"`

	// PrivateAddressExceptions lists CIDR prefixes exempt from the
	// private address policy.
	PrivateAddressExceptions []string `yaml:"privateAddressExceptions" json:"privateAddressExceptions"`

	// RejectPatterns are regular expressions matched against the plain
	// text of inbound posts; a match drops the activity.
	RejectPatterns []string `yaml:"rejectPatterns" json:"rejectPatterns"`

	// RelayActorURIs lists actors whose deliveries are accepted even
	// without a local addressee.
	RelayActorURIs []string `yaml:"relayActorUris" json:"relayActorUris"`
}

// Timeouts bounds outbound network operations in wall-clock time.
// ReadDeadline is cumulative across the life of one logical read;
// the others are per operation.
type Timeouts struct {
	Connect      time.Duration `yaml:"connect"`
	Read         time.Duration `yaml:"read"`
	Write        time.Duration `yaml:"write"`
	ReadDeadline time.Duration `yaml:"readDeadline"`
}

// DefaultTimeouts returns the production fetch timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:      15 * time.Second,
		Read:         30 * time.Second,
		Write:        30 * time.Second,
		ReadDeadline: 60 * time.Second,
	}
}

// WebFinger is a struct for a WebFinger response.
type WebFinger struct {
	Subject string          `json:"subject"`
	Links   []WebFingerLink `json:"links"`
}

// WebFingerLink is a struct for the links field of a WebFinger response.
type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

// WellKnown is a struct for a well-known response.
type WellKnown struct {
	Links []WellKnownLink `json:"links"`
}

// WellKnownLink is a struct for the links field of a well-known response.
type WellKnownLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// NodeInfo is a struct for a NodeInfo response.
type NodeInfo struct {
	Version           string           `json:"version,omitempty" yaml:"version"`
	Software          NodeInfoSoftware `json:"software,omitempty" yaml:"software"`
	Protocols         []string         `json:"protocols,omitempty" yaml:"protocols"`
	OpenRegistrations bool             `json:"openRegistrations,omitempty" yaml:"openRegistrations"`
}

// NodeInfoSoftware is a struct for the software field of a NodeInfo response.
type NodeInfoSoftware struct {
	Name    string `json:"name,omitempty" yaml:"name"`
	Version string `json:"version,omitempty" yaml:"version"`
}
