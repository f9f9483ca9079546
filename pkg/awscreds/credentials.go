// Package awscreds holds the AWS credentials used to sign signaling requests and
// a couple of ways to obtain them. Credentials are always passed to the signer
// per request or per connection attempt; a Provider only sources them.
package awscreds

import (
	"time"

	"github.com/sammck-go/kvstransport/pkg/kvserr"
)

// Credentials are temporary or long-lived AWS credentials
type Credentials struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`

	// SessionToken is set for temporary credentials
	SessionToken string `json:"sessionToken,omitempty"`

	// Expiration is the unix time in seconds at which temporary credentials expire,
	// or 0 if they do not expire.
	Expiration int64 `json:"expiration,omitempty"`
}

// Validate returns kvserr.BadParameter if the key id or secret is missing
func (c *Credentials) Validate() error {
	if c == nil {
		return kvserr.Errorf(kvserr.BadParameter, "nil credentials")
	}
	if c.AccessKeyID == "" {
		return kvserr.Errorf(kvserr.BadParameter, "empty access key id")
	}
	if c.SecretAccessKey == "" {
		return kvserr.Errorf(kvserr.BadParameter, "empty secret access key")
	}
	return nil
}

// Expired reports whether the credentials have an expiration that is not after now
func (c *Credentials) Expired(now time.Time) bool {
	return c.Expiration != 0 && c.Expiration <= now.Unix()
}

// Provider sources Credentials
type Provider interface {
	// Retrieve returns the current credentials
	Retrieve() (Credentials, error)
}

// StaticProvider always returns the same credentials
type StaticProvider struct {
	Value Credentials
}

// Retrieve returns the static credentials after validating them
func (p StaticProvider) Retrieve() (Credentials, error) {
	if err := p.Value.Validate(); err != nil {
		return Credentials{}, err
	}
	return p.Value, nil
}
