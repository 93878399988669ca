package inventory

import (
	"bytes"
	"fmt"
)

const (
	// GuestConnection is the connection plugin the management disposable
	// uses to reach its target.
	GuestConnection = "qubes"

	// FallbackGroup receives hosts that are in no named group.
	FallbackGroup = "appvms"
)

// RenderINI renders the minimal inventory shipped to a management
// disposable: host listed once per named group, each group pointed at the
// qubes connection so group_vars keep applying.
func RenderINI(host string, groups []string) []byte {
	var buf bytes.Buffer
	for _, g := range groups {
		if g == GroupAll || g == GroupUngrouped {
			continue
		}
		writeGroup(&buf, g, host)
	}
	if buf.Len() == 0 {
		writeGroup(&buf, FallbackGroup, host)
	}
	return buf.Bytes()
}

func writeGroup(buf *bytes.Buffer, group, host string) {
	fmt.Fprintf(buf, "[%s]\n%s\n\n[%s:vars]\nansible_connection=%s\n\n", group, host, group, GuestConnection)
}
