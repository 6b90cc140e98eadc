package didl

import (
	"fmt"
	"strings"
)

// Metadata is the single object returned by a BrowseMetadata request.
type Metadata struct {
	Object map[string]any
	// XML is the DIDL-Lite document exactly as the server sent it, empty for
	// synthesized metadata.
	XML string
}

// MetadataFromResult decodes the text of a BrowseMetadata Result element.
func MetadataFromResult(result string) (Metadata, error) {
	entries, err := Parse(result)
	if err != nil {
		return Metadata{}, err
	}
	if len(entries) == 0 {
		return Metadata{}, fmt.Errorf("didl: no object in metadata result")
	}
	return Metadata{Object: entries[0].Object, XML: result}, nil
}

// FallbackMetadata wraps a raw URI as a minimal object.
func FallbackMetadata(uri string) Metadata {
	return Metadata{Object: map[string]any{
		"res": map[string]any{"#text": uri},
	}}
}

// Policy picks one resource out of several encodings of the same object.
type Policy func(resources []Resource) (Resource, bool)

// First selects the first resource.
func First(resources []Resource) (Resource, bool) {
	if len(resources) == 0 {
		return Resource{}, false
	}
	return resources[0], true
}

// Last selects the last resource.
func Last(resources []Resource) (Resource, bool) {
	if len(resources) == 0 {
		return Resource{}, false
	}
	return resources[len(resources)-1], true
}

// PreferMime selects the first resource whose mime type starts with prefix
// and falls back to the first resource.
func PreferMime(prefix string) Policy {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	return func(resources []Resource) (Resource, bool) {
		for _, res := range resources {
			if prefix != "" && strings.HasPrefix(strings.ToLower(res.Mime()), prefix) {
				return res, true
			}
		}
		return First(resources)
	}
}

// PolicyByName maps a configuration name to a policy.
func PolicyByName(name string, mime string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "first":
		return First, nil
	case "last":
		return Last, nil
	case "prefermime", "prefer_mime":
		if strings.TrimSpace(mime) == "" {
			return nil, fmt.Errorf("resource policy %q needs a mime type", name)
		}
		return PreferMime(mime), nil
	default:
		return nil, fmt.Errorf("unknown resource policy %q", name)
	}
}

// ResourceURI returns the URI chosen by policy from the object's res field.
func ResourceURI(object map[string]any, policy Policy) (string, error) {
	if policy == nil {
		policy = First
	}
	res, ok := policy(Resources(object))
	if !ok || strings.TrimSpace(res.URI) == "" {
		return "", ErrUnknownResource
	}
	return res.URI, nil
}
