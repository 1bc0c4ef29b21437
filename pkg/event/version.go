package event

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ParseVersion parses an event_version string ("MAJOR.MINOR.PATCH").
func ParseVersion(v string) (*semver.Version, error) {
	parsed, err := semver.StrictNewVersion(v)
	if err != nil {
		return nil, fmt.Errorf("event: invalid event_version %q: %w", v, err)
	}
	return parsed, nil
}

// Compatible implements the consumer acceptance rule: a consumer declaring a
// minimum required version accepts a producer's version iff the major
// versions match exactly and the producer's minor is at least the consumer's.
// A major mismatch is always incompatible.
func Compatible(producerVersion, consumerMin string) (bool, error) {
	producer, err := ParseVersion(producerVersion)
	if err != nil {
		return false, err
	}
	consumer, err := ParseVersion(consumerMin)
	if err != nil {
		return false, err
	}
	if producer.Major() != consumer.Major() {
		return false, nil
	}
	return producer.Minor() >= consumer.Minor(), nil
}
