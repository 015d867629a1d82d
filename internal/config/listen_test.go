package config

import "testing"

func TestNormalizeListenAddr(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "bare port number", input: "5000", want: ":5000"},
		{name: "port with colon prefix", input: ":5000", want: ":5000"},
		{name: "full address with host", input: "127.0.0.1:5000", want: "127.0.0.1:5000"},
		{name: "IPv6 address", input: "[::1]:5000", want: "[::1]:5000"},
		{name: "all interfaces", input: "0.0.0.0:5000", want: "0.0.0.0:5000"},
		{name: "invalid port - too high", input: "70000", wantErr: true},
		{name: "invalid port - zero", input: "0", wantErr: true},
		{name: "invalid port - negative", input: "-1", wantErr: true},
		{name: "invalid port - not a number", input: "abc", wantErr: true},
		{name: "host without port", input: "localhost:", wantErr: true},
		{name: "empty string", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeListenAddr(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("NormalizeListenAddr() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("NormalizeListenAddr() = %v, want %v", got, tt.want)
			}
		})
	}
}
