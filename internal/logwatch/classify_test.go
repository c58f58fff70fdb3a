package logwatch

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		line    string
		wantMAC string
		want    Kind
	}{
		{"Apr 22 19:07:18 pi dnsmasq-dhcp[2016]: DHCPDISCOVER(eth0) 11:22:33:44:55:01 no address available", "11:22:33:44:55:01", KindNoAddress},
		{"Apr 22 19:07:18 pi dnsmasq-dhcp[2016]: DHCPDISCOVER(eth0) AA:BB:CC:DD:EE:0F no address available", "aa:bb:cc:dd:ee:0f", KindNoAddress},
		{"Apr 22 19:07:18 pi dnsmasq-dhcp[2016]: DHCPDISCOVER(eth0) 11:22:33:44:55:01 NO ADDRESS AVAILABLE", "11:22:33:44:55:01", KindNoAddress},
		{"Apr 22 17:44:24 pi dnsmasq-dhcp[2016]: DHCPREQUEST(eth0) 192.168.0.42 11:22:33:44:55:02", "", KindOther},
		{"Apr 22 17:44:24 pi dnsmasq-dhcp[2016]: DHCPACK(eth0) 192.168.0.42 11:22:33:44:55:02 dalek", "", KindOther},
		{"Apr 22 20:24:30 pi systemd[1]: Stopping Host and Network Name Lookups.", "", KindIgnored},
		{"Apr 22 20:24:30 pi systemd[1]: Stopping dnsmasq - A lightweight DHCP and caching DNS server...", "", KindOther},
		{"Apr 22 20:24:30 pi dnsmasq[2016]: exiting on receipt of SIGTERM", "", KindOther},
		{"Apr 22 20:24:30 pi dnsmasq[2640]: dnsmasq: syntax check OK.", "", KindOther},
		{"Apr 22 20:24:30 pi dnsmasq[2652]: started, version 2.72 cachesize 150", "", KindRestart},
		{"Apr 22 19:07:18 pi kernel: 11:22:33:44:55:01 no address available", "", KindIgnored},
		{"", "", KindIgnored},
	}
	for _, tt := range tests {
		mac, kind := Classify(tt.line)
		if kind != tt.want || mac != tt.wantMAC {
			t.Errorf("Classify(%q) = (%q, %s), want (%q, %s)", tt.line, mac, kind, tt.wantMAC, tt.want)
		}
	}
}

func TestKindString(t *testing.T) {
	for k, want := range map[Kind]string{
		KindIgnored:   "ignored",
		KindOther:     "other",
		KindNoAddress: "no_address",
		KindRestart:   "restart",
		Kind(99):      "unknown",
	} {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %s, want %s", k, got, want)
		}
	}
}
