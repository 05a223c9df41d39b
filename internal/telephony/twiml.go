package telephony

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
)

// StreamTwiML renders the voice response that connects an answered call
// to the media stream WebSocket. Custom parameters are echoed back by
// the provider in the stream's start frame, which is how the bridge
// learns the call SID and agent configuration.
func StreamTwiML(streamURL string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString("\n<Response>\n    <Connect>\n")
	fmt.Fprintf(&b, `        <Stream url="%s"`, xmlEscape(streamURL))

	if len(params) == 0 {
		b.WriteString(" />\n")
	} else {
		b.WriteString(">\n")
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "            <Parameter name=\"%s\" value=\"%s\" />\n",
				xmlEscape(k), xmlEscape(params[k]))
		}
		b.WriteString("        </Stream>\n")
	}

	b.WriteString("    </Connect>\n</Response>")
	return b.String()
}

func xmlEscape(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s))
	return b.String()
}
