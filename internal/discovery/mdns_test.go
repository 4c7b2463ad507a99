package discovery

import (
	"net"
	"reflect"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestEntryURLs(t *testing.T) {
	tests := []struct {
		name  string
		entry *zeroconf.ServiceEntry
		want  []string
	}{
		{
			name:  "nil entry",
			entry: nil,
			want:  nil,
		},
		{
			name: "ipv4 with custom path",
			entry: func() *zeroconf.ServiceEntry {
				e := zeroconf.NewServiceEntry("relay", Service, Domain)
				e.Port = 4444
				e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
				e.Text = []string{"path=/relay"}
				return e
			}(),
			want: []string{"ws://192.168.1.20:4444/relay"},
		},
		{
			name: "hostname fallback",
			entry: func() *zeroconf.ServiceEntry {
				e := zeroconf.NewServiceEntry("relay", Service, Domain)
				e.Port = 4444
				e.HostName = "studio.local."
				return e
			}(),
			want: []string{"ws://studio.local:4444/signal"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := entryURLs(tt.entry); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("entryURLs() = %v, want %v", got, tt.want)
			}
		})
	}
}
