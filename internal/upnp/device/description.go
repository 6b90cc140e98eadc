package device

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/mikey-austin/mucp/internal/upnp/xmltree"
)

// Service is one entry of the description's serviceList.
type Service struct {
	ServiceType string `json:"serviceType"`
	ServiceID   string `json:"serviceId,omitempty"`
	ControlURL  string `json:"controlURL"`
	EventSubURL string `json:"eventSubURL,omitempty"`
	SCPDURL     string `json:"SCPDURL,omitempty"`
}

// Description is the parsed root device of a description document.
type Description struct {
	DeviceType       string
	FriendlyName     string
	Manufacturer     string
	ModelName        string
	ModelDescription string
	ModelNumber      string
	UDN              string
	// Services is always a list, whatever the document held.
	Services []Service
	// Fields holds every text child of the device node by name.
	Fields map[string]string
}

// Field returns a device text field by its element name.
func (d Description) Field(name string) (string, bool) {
	v, ok := d.Fields[name]
	return v, ok
}

// ParseDescription decodes a device description document.
func ParseDescription(data []byte) (Description, error) {
	root, err := xmltree.Parse(data)
	if err != nil {
		return Description{}, err
	}
	node := root.Child("device")
	if node == nil {
		return Description{}, errors.New("description has no device element")
	}
	desc := Description{Fields: map[string]string{}}
	for _, child := range node.Children {
		if len(child.Children) == 0 {
			if _, seen := desc.Fields[child.Name]; !seen {
				desc.Fields[child.Name] = child.Text
			}
		}
	}
	desc.DeviceType = desc.Fields["deviceType"]
	desc.FriendlyName = desc.Fields["friendlyName"]
	desc.Manufacturer = desc.Fields["manufacturer"]
	desc.ModelName = desc.Fields["modelName"]
	desc.ModelDescription = desc.Fields["modelDescription"]
	desc.ModelNumber = desc.Fields["modelNumber"]
	desc.UDN = desc.Fields["UDN"]

	desc.Services = []Service{}
	for _, svc := range node.Path("serviceList").ChildrenNamed("service") {
		s := Service{}
		s.ServiceType, _ = svc.ChildText("serviceType")
		s.ServiceID, _ = svc.ChildText("serviceId")
		s.ControlURL, _ = svc.ChildText("controlURL")
		s.EventSubURL, _ = svc.ChildText("eventSubURL")
		s.SCPDURL, _ = svc.ChildText("SCPDURL")
		desc.Services = append(desc.Services, s)
	}
	return desc, nil
}

// Info is the immutable part shared by every device variant.
type Info struct {
	Location    string
	Origin      string
	Description Description
}

// NewInfo derives the location origin for control URL resolution.
func NewInfo(location string, desc Description) (Info, error) {
	u, err := url.Parse(location)
	if err != nil {
		return Info{}, fmt.Errorf("parse location: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Info{}, fmt.Errorf("location %q is not absolute", location)
	}
	return Info{
		Location:    location,
		Origin:      u.Scheme + "://" + u.Host,
		Description: desc,
	}, nil
}

// Name is friendlyName, falling back to modelName.
func (i Info) Name() string {
	if i.Description.FriendlyName != "" {
		return i.Description.FriendlyName
	}
	return i.Description.ModelName
}

// ControlURL resolves the control URL of the first service whose type
// matches pattern.
func (i Info) ControlURL(pattern *regexp.Regexp) (string, error) {
	for _, svc := range i.Description.Services {
		if pattern.MatchString(svc.ServiceType) {
			if strings.TrimSpace(svc.ControlURL) == "" {
				break
			}
			return resolveURL(i.Origin, svc.ControlURL), nil
		}
	}
	return "", &ServiceError{Pattern: pattern.String(), Location: i.Location}
}

func resolveURL(origin string, ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return origin + ref
}
