package conf

import "testing"

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		address string
		port    int
		proto   Protocol
		want    string
		wantErr bool
	}{
		{"ipv4", "127.0.0.1", 143, IPv4, "127.0.0.1:143", false},
		{"ipv4 any", "0.0.0.0", 25, IPv4, "0.0.0.0:25", false},
		{"ipv6", "::1", 993, IPv6, "[::1]:993", false},
		{"ipv6 compressed", "2001:db8::1", 25, IPv6, "[2001:db8::1]:25", false},
		{"unix", "/var/run/aox/lmtp.sock", 0, Unix, "/var/run/aox/lmtp.sock", false},
		{"fd", "fd/3", 0, InheritedFD, "fd/3", false},
		{"bad fd", "fd/x", 0, 0, "", true},
		{"hostname rejected", "mail.example.com", 25, 0, "", true},
		{"garbage", "not an address", 0, 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := ParseEndpoint(tt.address, tt.port)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseEndpoint(%q) error = %v, wantErr %v", tt.address, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if e.Protocol != tt.proto {
				t.Errorf("protocol = %v, want %v", e.Protocol, tt.proto)
			}
			if e.String() != tt.want {
				t.Errorf("String() = %q, want %q", e.String(), tt.want)
			}
		})
	}
}

func TestParseSystemdEndpointNeedsEnvironment(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")
	if _, err := ParseEndpoint("systemd/domain.INET/index.0", 0); err == nil {
		t.Error("expected error without LISTEN_PID")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SmartHostPort != 25 {
		t.Errorf("SmartHostPort = %d, want 25", cfg.SmartHostPort)
	}
	if cfg.MemoryLimit != 128 {
		t.Errorf("MemoryLimit = %d, want 128", cfg.MemoryLimit)
	}
	if !cfg.Security {
		t.Error("Security should default to on")
	}
	if cfg.LiteralSizeLimit == 0 {
		t.Error("LiteralSizeLimit should have a default")
	}
}
