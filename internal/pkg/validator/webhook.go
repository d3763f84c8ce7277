package validator

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ValidateWebhookURL checks that a subscriber endpoint is an absolute http(s) URL without
// embedded credentials.
func ValidateWebhookURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return errors.New("invalid url format")
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url must start with http:// or https://")
	}
	if u.Host == "" || u.Hostname() == "" {
		return errors.New("url must include a host")
	}
	if u.User != nil {
		return errors.New("url must not contain credentials")
	}
	if u.Fragment != "" {
		return errors.New("url must not contain a fragment")
	}

	return nil
}

// ValidateEventTypes checks a subscription list against the known event types. "*" matches every
// event and cannot be combined with others.
func ValidateEventTypes(events, known []string) error {
	if len(events) == 0 {
		return errors.New("at least one event is required")
	}

	allowed := make(map[string]bool, len(known))
	for _, k := range known {
		allowed[k] = true
	}

	seen := make(map[string]bool, len(events))
	for _, e := range events {
		e = strings.TrimSpace(e)
		if e == "*" {
			if len(events) > 1 {
				return errors.New("\"*\" cannot be combined with other events")
			}
			continue
		}
		if !allowed[e] {
			return fmt.Errorf("unknown event %q", e)
		}
		if seen[e] {
			return fmt.Errorf("duplicate event %q", e)
		}
		seen[e] = true
	}
	return nil
}
