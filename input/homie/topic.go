package homie

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/CMCRobotics/save-the-reef/errors"
	"github.com/CMCRobotics/save-the-reef/types/fact"
)

// Topic wildcards.
const (
	SingleLevelWildcard = "+"
	MultiLevelWildcard  = "#"
)

// Update is a property update parsed from a topic and its payload.
type Update struct {
	fact.PropertyUpdate

	// Topic is the full topic the update arrived on.
	Topic string `json:"topic"`
	// Retained is set when the value came from the retained store rather
	// than a live publish.
	Retained bool `json:"retained,omitempty"`
}

// ParseTopic splits topic into device, node and property IDs. root, when not
// empty, must prefix the topic and is stripped first.
//
// Accepted shapes relative to root:
//
//	device/property
//	device/node/property
//	device/node/property/$attribute   (property ID keeps the trailing path)
func ParseTopic(root, topic string) (Update, error) {
	rel := topic
	if root != "" {
		prefix := strings.TrimSuffix(root, "/") + "/"
		if !strings.HasPrefix(topic, prefix) {
			return Update{}, malformed(topic, "outside root %q", root)
		}
		rel = strings.TrimPrefix(topic, prefix)
	}

	segments := strings.Split(rel, "/")
	if len(segments) < 2 {
		return Update{}, malformed(topic, "need at least device and property")
	}

	u := Update{Topic: topic}
	u.DeviceID = segments[0]
	if len(segments) == 2 {
		u.PropertyID = segments[1]
	} else {
		u.NodeID = segments[1]
		u.PropertyID = strings.Join(segments[2:], "/")
	}

	if u.DeviceID == "" || u.PropertyID == "" || strings.HasSuffix(u.PropertyID, "/") {
		return Update{}, malformed(topic, "empty device or property")
	}
	if len(segments) > 2 && u.NodeID == "" {
		return Update{}, malformed(topic, "empty node")
	}
	return u, nil
}

// ParseMessage parses topic and attaches payload as the value. An empty
// payload is malformed.
func ParseMessage(root, topic string, payload []byte) (Update, error) {
	u, err := ParseTopic(root, topic)
	if err != nil {
		return Update{}, err
	}
	u.Value = string(payload)
	if err := Validate(u); err != nil {
		return Update{}, err
	}
	return u, nil
}

// Validate reports whether u carries every field a property update needs.
// An empty value is malformed: on a retained topic it clears the retained
// message rather than setting an empty string, so it is never asserted.
func Validate(u Update) error {
	switch {
	case u.DeviceID == "":
		return malformed(u.Topic, "missing device ID")
	case u.PropertyID == "":
		return malformed(u.Topic, "missing property ID")
	case u.Value == "":
		return malformed(u.Topic, "empty value")
	}
	return nil
}

func malformed(topic, format string, args ...any) error {
	return errors.Invalidf(errors.ErrMalformedUpdate, "homie", "ParseTopic",
		"topic %q: %s", topic, fmt.Sprintf(format, args...))
}

// ValidateFilter checks that filter is a well formed subscription filter:
// wildcards occupy a whole level and # only appears last.
func ValidateFilter(filter string) error {
	if filter == "" {
		return errors.Invalidf(errors.ErrInvalidTopic, "homie", "ValidateFilter", "empty filter")
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == MultiLevelWildcard:
			if i != len(levels)-1 {
				return errors.Invalidf(errors.ErrInvalidTopic, "homie", "ValidateFilter",
					"filter %q: # must be the last level", filter)
			}
		case level == SingleLevelWildcard:
		case strings.ContainsAny(level, "+#"):
			return errors.Invalidf(errors.ErrInvalidTopic, "homie", "ValidateFilter",
				"filter %q: wildcard must occupy a whole level", filter)
		}
	}
	return nil
}

// ValidateTopic checks that topic can be published to.
func ValidateTopic(topic string) error {
	if topic == "" {
		return errors.Invalidf(errors.ErrInvalidTopic, "homie", "ValidateTopic", "empty topic")
	}
	if strings.ContainsAny(topic, "+#") {
		return errors.Invalidf(errors.ErrInvalidTopic, "homie", "ValidateTopic",
			"topic %q: wildcards are not allowed when publishing", topic)
	}
	return nil
}

// MatchTopic reports whether topic matches filter. + matches exactly one
// level; a trailing # matches any number of levels including none, so
// "a/#" matches "a" as well.
func MatchTopic(filter, topic string) bool {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, level := range fl {
		if level == MultiLevelWildcard {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if level != SingleLevelWildcard && level != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

// SubjectForTopic maps a slash topic onto a NATS subject. Levels that NATS
// cannot carry are rejected.
func SubjectForTopic(topic string) (string, error) {
	if err := ValidateTopic(topic); err != nil {
		return "", err
	}
	levels := strings.Split(topic, "/")
	for _, level := range levels {
		if err := checkSubjectLevel(topic, level); err != nil {
			return "", err
		}
	}
	return strings.Join(levels, "."), nil
}

// SubjectForFilter maps a subscription filter onto a NATS subject, + to *
// and # to >. Unlike the slash form, ">" does not match the parent level.
func SubjectForFilter(filter string) (string, error) {
	if err := ValidateFilter(filter); err != nil {
		return "", err
	}
	levels := strings.Split(filter, "/")
	out := make([]string, len(levels))
	for i, level := range levels {
		switch level {
		case SingleLevelWildcard:
			out[i] = "*"
		case MultiLevelWildcard:
			out[i] = ">"
		default:
			if err := checkSubjectLevel(filter, level); err != nil {
				return "", err
			}
			out[i] = level
		}
	}
	return strings.Join(out, "."), nil
}

// TopicForSubject maps a NATS subject back onto a slash topic.
func TopicForSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

func checkSubjectLevel(topic, level string) error {
	if level == "" {
		return errors.Invalidf(errors.ErrInvalidTopic, "homie", "SubjectForTopic",
			"topic %q: empty level", topic)
	}
	if strings.ContainsAny(level, ".*>") || strings.IndexFunc(level, unicode.IsSpace) >= 0 {
		return errors.Invalidf(errors.ErrInvalidTopic, "homie", "SubjectForTopic",
			"topic %q: level %q cannot be mapped to a subject", topic, level)
	}
	return nil
}
