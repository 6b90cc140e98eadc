package xmltree

import (
	"encoding/json"
	"testing"
)

func TestParseStripsNamespacePrefixes(t *testing.T) {
	doc := []byte(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <u:GetVolumeResponse xmlns:u="urn:schemas-upnp-org:service:RenderingControl:1">
      <CurrentVolume>42</CurrentVolume>
    </u:GetVolumeResponse>
  </s:Body>
</s:Envelope>`)

	root, err := Parse(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if root.Name != "Envelope" {
		t.Fatalf("expected Envelope root, got %s", root.Name)
	}
	resp := root.Path("Body", "GetVolumeResponse")
	if resp == nil {
		t.Fatalf("expected response node")
	}
	if v, ok := resp.ChildText("CurrentVolume"); !ok || v != "42" {
		t.Fatalf("unexpected volume %q", v)
	}
	if len(resp.Attrs) != 0 {
		t.Fatalf("expected xmlns attributes to be dropped, got %v", resp.Attrs)
	}
}

func TestParseKeepsAttributesApartFromText(t *testing.T) {
	root, err := Parse([]byte(`<item id="7" dlna:x="y" xmlns:dlna="urn:dlna"><res protocolInfo="http-get:*:audio/flac:*">http://h/a.flac</res></item>`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id, _ := root.Attr("id"); id != "7" {
		t.Fatalf("expected id attr")
	}
	if x, _ := root.Attr("x"); x != "y" {
		t.Fatalf("expected prefixed attr stripped to local name")
	}
	res := root.Child("res")
	if res.Text != "http://h/a.flac" {
		t.Fatalf("unexpected res text %q", res.Text)
	}
	if info, _ := res.Attr("protocolInfo"); info != "http-get:*:audio/flac:*" {
		t.Fatalf("unexpected protocolInfo %q", info)
	}
}

func TestMapShapes(t *testing.T) {
	root, err := Parse([]byte(`<item id="1"><title>A</title><res>u1</res><res size="3">u2</res></item>`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	m, ok := root.Map().(map[string]any)
	if !ok {
		t.Fatalf("expected map")
	}
	if m["@_id"] != "1" || m["title"] != "A" {
		t.Fatalf("unexpected map %v", m)
	}
	list, ok := m["res"].([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("expected res list, got %#v", m["res"])
	}
	if list[0] != "u1" {
		t.Fatalf("expected bare leaf as string")
	}
	second := list[1].(map[string]any)
	if second["#text"] != "u2" || second["@_size"] != "3" {
		t.Fatalf("unexpected second res %v", second)
	}
	if _, err := json.Marshal(m); err != nil {
		t.Fatalf("map must be json encodable: %v", err)
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := Parse([]byte("   ")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestPathMissing(t *testing.T) {
	root, err := Parse([]byte(`<a><b/></a>`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if root.Path("b", "c") != nil {
		t.Fatalf("expected nil for missing path")
	}
	var nilNode *Node
	if nilNode.Child("x") != nil {
		t.Fatalf("nil node child must be nil")
	}
}
