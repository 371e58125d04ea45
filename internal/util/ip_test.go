package util

import (
	"net"
	"testing"
)

func TestClassifyIP(t *testing.T) {
	tests := []struct {
		ip   string
		want IPClassification
	}{
		{"0.0.0.0", IPClassificationUnspecified},
		{"::", IPClassificationUnspecified},
		{"127.0.0.1", IPClassificationLoopback},
		{"::1", IPClassificationLoopback},
		{"169.254.169.254", IPClassificationLinkLocal},
		{"fe80::1", IPClassificationLinkLocal},
		{"10.1.2.3", IPClassificationPrivate},
		{"192.168.0.10", IPClassificationPrivate},
		{"fd00::1", IPClassificationPrivate},
		{"8.8.8.8", IPClassificationPublic},
		{"2001:4860:4860::8888", IPClassificationPublic},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := ClassifyIP(net.ParseIP(tt.ip)); got != tt.want {
				t.Errorf("ClassifyIP(%s) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}

	if got := ClassifyIP(nil); got != IPClassificationUnspecified {
		t.Errorf("ClassifyIP(nil) = %v", got)
	}
}

func TestIsLoopbackHostname(t *testing.T) {
	tests := map[string]bool{
		"localhost":   true,
		"127.0.0.1":   true,
		"127.8.9.10":  true,
		"[::1]":       true,
		"::1":         true,
		"0.0.0.0":     false,
		"example.com": false,
		"10.0.0.1":    false,
	}
	for host, want := range tests {
		if got := IsLoopbackHostname(host); got != want {
			t.Errorf("IsLoopbackHostname(%q) = %v, want %v", host, got, want)
		}
	}
}
