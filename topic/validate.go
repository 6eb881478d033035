package topic

import (
	"fmt"
	"strings"

	"github.com/studiolambda/greenspool/contract"
)

// reservedPrefixSegments is the number of leading segments
// ($aws/rules/<rule>/) stripped before length/slash-count validation,
// per spec §4.1 and the Basic Ingest glossary entry.
const reservedPrefixSegments = 3

// hasReservedPrefix reports whether raw begins with the case-insensitive
// Basic Ingest prefix "$aws/rules/<rule>/" and, if so, returns the
// topic with that prefix stripped.
func hasReservedPrefix(raw string) (stripped string, ok bool) {
	segments := strings.SplitN(raw, levelSeparator, reservedPrefixSegments+1)
	if len(segments) <= reservedPrefixSegments {
		return "", false
	}

	if !strings.EqualFold(segments[0], "$aws") || !strings.EqualFold(segments[1], "rules") {
		return "", false
	}

	// segments[2] is the rule name, any non-empty value qualifies.
	if segments[2] == "" {
		return "", false
	}

	return segments[3], true
}

// effectiveLengthAndSlashes returns the portion of raw that counts
// against MaxTopicLength/MaxForwardSlashes, stripping the reserved
// Basic Ingest prefix first when present.
func effectiveLengthAndSlashes(raw string) (length int, slashes int) {
	effective := raw
	if stripped, ok := hasReservedPrefix(raw); ok {
		effective = stripped
	}

	return len(effective), strings.Count(effective, levelSeparator)
}

func validateCommon(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: topic must not be empty", contract.ErrInvalidRequest)
	}

	length, slashes := effectiveLengthAndSlashes(raw)

	if length > contract.MaxTopicLength {
		return fmt.Errorf("%w: topic length %d exceeds %d", contract.ErrInvalidRequest, length, contract.MaxTopicLength)
	}

	if slashes > contract.MaxForwardSlashes {
		return fmt.Errorf("%w: topic has %d forward slashes, max %d", contract.ErrInvalidRequest, slashes, contract.MaxForwardSlashes)
	}

	return nil
}

// ValidateSubscribeTopic validates a topic filter used for subscribe,
// where + and # wildcards are permitted (+/# may only appear as whole
// levels, # only as the last level).
func ValidateSubscribeTopic(raw string) error {
	if err := validateCommon(raw); err != nil {
		return err
	}

	levels := strings.Split(raw, levelSeparator)
	for i, level := range levels {
		if strings.Contains(level, multiLevelWildcard) && level != multiLevelWildcard {
			return fmt.Errorf("%w: %q: # must occupy a whole level", contract.ErrInvalidRequest, raw)
		}

		if level == multiLevelWildcard && i != len(levels)-1 {
			return fmt.Errorf("%w: %q: # must be the last level", contract.ErrInvalidRequest, raw)
		}

		if strings.Contains(level, singleLevelWildcard) && level != singleLevelWildcard {
			return fmt.Errorf("%w: %q: + must occupy a whole level", contract.ErrInvalidRequest, raw)
		}
	}

	return nil
}

// ValidatePublishTopic validates a concrete topic used for publish,
// where wildcards are forbidden entirely.
func ValidatePublishTopic(raw string) error {
	if err := validateCommon(raw); err != nil {
		return err
	}

	if strings.ContainsAny(raw, singleLevelWildcard+multiLevelWildcard) {
		return fmt.Errorf("%w: %q: wildcards are not allowed in a publish topic", contract.ErrInvalidRequest, raw)
	}

	return nil
}

// ValidatePublishPayload enforces the maxPublishMessageSize bound.
func ValidatePublishPayload(payload []byte, maxBytes int64) error {
	if int64(len(payload)) > maxBytes {
		return fmt.Errorf("%w: payload of %d bytes exceeds max %d", contract.ErrInvalidRequest, len(payload), maxBytes)
	}

	return nil
}
