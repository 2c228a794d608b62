package sipphone

import (
	"strings"
	"testing"
)

const pbxOffer = "v=0\r\n" +
	"o=- 1724670000 1724670000 IN IP4 192.0.2.10\r\n" +
	"s=Asterisk\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 14000 RTP/AVP 0 8 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=ptime:20\r\n"

func TestParseOfferPrefersFirstG711(t *testing.T) {
	offer, err := parseOffer([]byte(pbxOffer))
	if err != nil {
		t.Fatalf("parseOffer: %v", err)
	}
	if offer.Address != "192.0.2.10" {
		t.Errorf("Address = %q", offer.Address)
	}
	if offer.Port != 14000 {
		t.Errorf("Port = %d", offer.Port)
	}
	if offer.PayloadType != PayloadPCMU {
		t.Errorf("PayloadType = %d, want PCMU", offer.PayloadType)
	}
}

func TestParseOfferPCMAOnly(t *testing.T) {
	body := strings.Replace(pbxOffer, "RTP/AVP 0 8 101", "RTP/AVP 8 101", 1)
	offer, err := parseOffer([]byte(body))
	if err != nil {
		t.Fatalf("parseOffer: %v", err)
	}
	if offer.PayloadType != PayloadPCMA {
		t.Errorf("PayloadType = %d, want PCMA", offer.PayloadType)
	}
}

func TestParseOfferMediaLevelConnection(t *testing.T) {
	body := strings.Replace(pbxOffer, "a=ptime:20\r\n", "c=IN IP4 198.51.100.7\r\na=ptime:20\r\n", 1)
	offer, err := parseOffer([]byte(body))
	if err != nil {
		t.Fatalf("parseOffer: %v", err)
	}
	if offer.Address != "198.51.100.7" {
		t.Errorf("Address = %q, want media-level override", offer.Address)
	}
}

func TestParseOfferRejections(t *testing.T) {
	cases := map[string]string{
		"no audio section": "v=0\r\nc=IN IP4 192.0.2.10\r\n",
		"no g711":          "v=0\r\nc=IN IP4 192.0.2.10\r\nm=audio 14000 RTP/AVP 111\r\n",
		"no connection":    "v=0\r\nm=audio 14000 RTP/AVP 0\r\n",
	}
	for name, body := range cases {
		if _, err := parseOffer([]byte(body)); err == nil {
			t.Errorf("%s: parseOffer accepted %q", name, body)
		}
	}
}

func TestBuildAnswer(t *testing.T) {
	answer := string(buildAnswer("203.0.113.5", 16000, PayloadPCMA, 42))
	for _, want := range []string{
		"c=IN IP4 203.0.113.5\r\n",
		"m=audio 16000 RTP/AVP 8\r\n",
		"a=rtpmap:8 PCMA/8000\r\n",
		"a=ptime:20\r\n",
		"a=sendrecv\r\n",
	} {
		if !strings.Contains(answer, want) {
			t.Errorf("answer missing %q:\n%s", want, answer)
		}
	}

	// The answer we produce must survive our own parser.
	offer, err := parseOffer([]byte(answer))
	if err != nil {
		t.Fatalf("parsing own answer: %v", err)
	}
	if offer.Port != 16000 || offer.PayloadType != PayloadPCMA {
		t.Errorf("round trip gave port %d pt %d", offer.Port, offer.PayloadType)
	}
}
