package spdy

import "testing"

func TestHeadersAddGetValues(t *testing.T) {
	h := make(Headers)
	h.Add("accept", "text/html")
	h.Add("accept", "application/json")
	h.Set("host", "example.com")

	if got := h.Get("accept"); got != "text/html" {
		t.Errorf("Get(accept) = %q want text/html", got)
	}
	vals := h.Values("accept")
	if len(vals) != 2 || vals[0] != "text/html" || vals[1] != "application/json" {
		t.Errorf("Values(accept) = %v", vals)
	}
	if got := h.Get("host"); got != "example.com" {
		t.Errorf("Get(host) = %q", got)
	}
	if got := h.Get("missing"); got != "" {
		t.Errorf("Get(missing) = %q want empty", got)
	}
}

func TestIsoEncodeDecodeRoundTrip(t *testing.T) {
	s := "GET /index.html HTTP/1.1"
	b, ok := isoEncode(s)
	if !ok {
		t.Fatal("isoEncode rejected an ASCII string")
	}
	if got := isoDecode(b); got != s {
		t.Errorf("round trip = %q want %q", got, s)
	}
}

func TestIsoEncodeRejectsNonLatin1(t *testing.T) {
	if _, ok := isoEncode("café中"); ok {
		t.Fatal("isoEncode should reject runes above 0xff")
	}
}

func TestSplitHeaderValue(t *testing.T) {
	parts, ok := splitHeaderValue("a\x00b\x00c")
	if !ok {
		t.Fatal("splitHeaderValue rejected a well-formed value")
	}
	want := []string{"a", "b", "c"}
	for i, p := range want {
		if parts[i] != p {
			t.Errorf("parts[%d] = %q want %q", i, parts[i], p)
		}
	}
}

func TestSplitHeaderValueRejectsEmptyPart(t *testing.T) {
	if _, ok := splitHeaderValue("a\x00\x00b"); ok {
		t.Fatal("splitHeaderValue should reject an empty split part")
	}
}
