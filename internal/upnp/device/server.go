package device

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mikey-austin/mucp/internal/upnp/didl"
	"github.com/mikey-austin/mucp/internal/upnp/soap"
	"github.com/mikey-austin/mucp/internal/upnp/xmltree"
)

var contentDirectoryURN = soap.ServiceURN("ContentDirectory")

type contentDirectory struct {
	caller     Caller
	controlURL string
	err        error
}

func (c *contentDirectory) call(ctx context.Context, action string, args []soap.Arg) (*xmltree.Node, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.caller.Call(ctx, c.controlURL, contentDirectoryURN, action, args)
}

func (c *contentDirectory) Browse(ctx context.Context, id string, start int, count int) (BrowseResult, error) {
	resp, err := c.call(ctx, "Browse", []soap.Arg{
		{Name: "ObjectID", Value: id},
		{Name: "BrowseFlag", Value: "BrowseDirectChildren"},
		{Name: "Filter", Value: "*"},
		{Name: "StartingIndex", Value: strconv.Itoa(start)},
		{Name: "RequestedCount", Value: strconv.Itoa(count)},
		{Name: "SortCriteria", Value: ""},
	})
	if err != nil {
		return BrowseResult{}, err
	}
	return decodeBrowse(resp)
}

func (c *contentDirectory) Search(ctx context.Context, containerID string, start int, count int, criteria string) (BrowseResult, error) {
	resp, err := c.call(ctx, "Search", []soap.Arg{
		{Name: "ContainerID", Value: containerID},
		{Name: "SearchCriteria", Value: criteria},
		{Name: "Filter", Value: "*"},
		{Name: "StartingIndex", Value: strconv.Itoa(start)},
		{Name: "RequestedCount", Value: strconv.Itoa(count)},
		{Name: "SortCriteria", Value: ""},
	})
	if err != nil {
		return BrowseResult{}, err
	}
	return decodeBrowse(resp)
}

func (c *contentDirectory) GetMetadata(ctx context.Context, id string) (didl.Metadata, error) {
	resp, err := c.call(ctx, "Browse", []soap.Arg{
		{Name: "ObjectID", Value: id},
		{Name: "BrowseFlag", Value: "BrowseMetadata"},
		{Name: "Filter", Value: "*"},
		{Name: "StartingIndex", Value: "0"},
		{Name: "RequestedCount", Value: "0"},
		{Name: "SortCriteria", Value: ""},
	})
	if err != nil {
		return didl.Metadata{}, err
	}
	result, _ := resp.ChildText("Result")
	return didl.MetadataFromResult(result)
}

func (c *contentDirectory) GetSearchCapabilities(ctx context.Context) (SearchCapabilities, error) {
	resp, err := c.call(ctx, "GetSearchCapabilities", nil)
	if err != nil {
		return SearchCapabilities{}, err
	}
	caps, ok := resp.ChildText("SearchCaps")
	return SearchCapabilities{Present: ok, Raw: caps}, nil
}

func decodeBrowse(resp *xmltree.Node) (BrowseResult, error) {
	result, _ := resp.ChildText("Result")
	entries, err := didl.ParseResult(result)
	if err != nil {
		return BrowseResult{}, err
	}
	out := BrowseResult{Entries: entries}
	if v, ok := resp.ChildText("NumberReturned"); ok {
		out.NumberReturned, _ = strconv.Atoi(v)
	}
	if v, ok := resp.ChildText("TotalMatches"); ok {
		out.TotalMatches, _ = strconv.Atoi(v)
	}
	out.UpdateID, _ = resp.ChildText("UpdateID")
	return out, nil
}

// Fields splits the capability list, dropping empty names.
func (s SearchCapabilities) Fields() []string {
	if !s.Present {
		return nil
	}
	out := []string{}
	for _, f := range strings.Split(s.Raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Criteria builds a search expression matching term against every field.
func Criteria(fields []string, term string) (string, error) {
	if len(fields) == 0 {
		return "", fmt.Errorf("no searchable fields")
	}
	q := strings.ReplaceAll(term, `"`, `\"`)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf(`%s contains "%s"`, f, q))
	}
	return strings.Join(parts, " or "), nil
}
