package httputil

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		trustProxy bool
		expectedIP string
	}{
		{
			name:       "X-Forwarded-For single IPv4",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.5"},
			remoteAddr: "10.0.0.1:5000",
			trustProxy: true,
			expectedIP: "203.0.113.5",
		},
		{
			name:       "X-Forwarded-For chain takes first hop",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.7, 203.0.113.9, 192.0.2.1"},
			trustProxy: true,
			expectedIP: "198.51.100.7",
		},
		{
			name:       "X-Forwarded-For IPv6 with spaces",
			headers:    map[string]string{"X-Forwarded-For": "  2001:db8::1 , 203.0.113.9"},
			trustProxy: true,
			expectedIP: "2001:db8::1",
		},
		{
			name:       "X-Real-IP when no X-Forwarded-For",
			headers:    map[string]string{"X-Real-IP": "192.0.2.44"},
			remoteAddr: "10.0.0.1:5000",
			trustProxy: true,
			expectedIP: "192.0.2.44",
		},
		{
			name:       "empty X-Forwarded-For entry falls through",
			headers:    map[string]string{"X-Forwarded-For": " , 203.0.113.9", "X-Real-IP": "192.0.2.44"},
			trustProxy: true,
			expectedIP: "192.0.2.44",
		},
		{
			name:       "headers ignored without trust",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.5", "X-Real-IP": "192.0.2.44"},
			remoteAddr: "10.0.0.1:5000",
			expectedIP: "10.0.0.1",
		},
		{
			name:       "RemoteAddr IPv6 with port",
			remoteAddr: "[2001:db8::2]:443",
			expectedIP: "2001:db8::2",
		},
		{
			name:       "RemoteAddr without port",
			remoteAddr: "192.0.2.9",
			expectedIP: "192.0.2.9",
		},
		{
			name:       "bracketed RemoteAddr without port",
			remoteAddr: "[2001:db8::3]",
			expectedIP: "2001:db8::3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.expectedIP, GetClientIP(r, tt.trustProxy))
		})
	}
}
