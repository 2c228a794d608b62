package sipphone

import (
	"fmt"
	"strconv"
	"strings"
)

// RTP payload types for the G.711 codecs we answer with.
const (
	PayloadPCMU = 0
	PayloadPCMA = 8
)

// mediaOffer is the subset of an SDP offer the phone needs: where to send
// RTP and which G.711 variant the peer put first.
type mediaOffer struct {
	Address     string
	Port        int
	PayloadType int
}

// parseOffer walks the offer line by line. Only the first audio section
// matters; anything that does not offer PCMU or PCMA is rejected.
func parseOffer(body []byte) (mediaOffer, error) {
	offer := mediaOffer{PayloadType: -1}
	inAudio := false

lines:
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := line[2:]

		switch line[0] {
		case 'c':
			// c=IN IP4 203.0.113.10. A media-level c= inside the audio
			// section overrides the session-level one.
			fields := strings.Fields(value)
			if len(fields) == 3 && (inAudio || offer.Address == "") {
				offer.Address = fields[2]
			}
		case 'm':
			if inAudio {
				// A second media section ends our interest.
				break lines
			}
			fields := strings.Fields(value)
			if len(fields) < 4 || fields[0] != "audio" {
				continue
			}
			port, err := strconv.Atoi(fields[1])
			if err != nil {
				return mediaOffer{}, fmt.Errorf("bad media port %q", fields[1])
			}
			offer.Port = port
			inAudio = true
			for _, f := range fields[3:] {
				pt, err := strconv.Atoi(f)
				if err != nil {
					continue
				}
				if pt == PayloadPCMU || pt == PayloadPCMA {
					offer.PayloadType = pt
					break
				}
			}
		}
	}

	if offer.Port == 0 {
		return mediaOffer{}, fmt.Errorf("offer has no audio section")
	}
	if offer.Address == "" {
		return mediaOffer{}, fmt.Errorf("offer has no connection address")
	}
	if offer.PayloadType < 0 {
		return mediaOffer{}, fmt.Errorf("offer has no G.711 payload type")
	}
	return offer, nil
}

// buildAnswer renders our SDP answer: one audio section, the selected G.711
// codec, 20 ms ptime.
func buildAnswer(localIP string, rtpPort, payloadType int, sessionID int64) []byte {
	codec := "PCMU"
	if payloadType == PayloadPCMA {
		codec = "PCMA"
	}
	var sb strings.Builder
	sb.WriteString("v=0\r\n")
	fmt.Fprintf(&sb, "o=voxbridge %d %d IN IP4 %s\r\n", sessionID, sessionID, localIP)
	sb.WriteString("s=voxbridge\r\n")
	fmt.Fprintf(&sb, "c=IN IP4 %s\r\n", localIP)
	sb.WriteString("t=0 0\r\n")
	fmt.Fprintf(&sb, "m=audio %d RTP/AVP %d\r\n", rtpPort, payloadType)
	fmt.Fprintf(&sb, "a=rtpmap:%d %s/8000\r\n", payloadType, codec)
	sb.WriteString("a=ptime:20\r\n")
	sb.WriteString("a=sendrecv\r\n")
	return []byte(sb.String())
}
