package resolver

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		want    Target
		wantErr bool
	}{
		{name: "Success: bare host and port", target: "localhost:8080", want: Target{Scheme: "passthrough", Endpoint: "localhost:8080"}},
		{name: "Success: bare host", target: "localhost", want: Target{Scheme: "passthrough", Endpoint: "localhost"}},
		{name: "Success: socket path", target: "/run/echo.sock", want: Target{Scheme: "passthrough", Endpoint: "/run/echo.sock"}},
		{
			name:   "Success: passthrough socket path",
			target: "passthrough:////run/echo.sock",
			want:   Target{Scheme: "passthrough", Endpoint: "/run/echo.sock"},
		},
		{name: "Success: dns", target: "dns:///echo.internal:8080", want: Target{Scheme: "dns", Endpoint: "echo.internal:8080"}},
		{
			name:   "Success: dns with name server",
			target: "dns://10.0.0.2:53/echo.internal:8080",
			want:   Target{Scheme: "dns", Authority: "10.0.0.2:53", Endpoint: "echo.internal:8080"},
		},
		{name: "Success: scheme is lowercased", target: "DNS:///echo:8080", want: Target{Scheme: "dns", Endpoint: "echo:8080"}},
		{
			name:   "Success: endpoint keeps slashes",
			target: "etcd://etcd:2379/services/echo",
			want:   Target{Scheme: "etcd", Authority: "etcd:2379", Endpoint: "services/echo"},
		},
		{name: "Error: empty target", target: "", wantErr: true},
		{name: "Error: empty scheme", target: "://authority/endpoint", wantErr: true},
		{name: "Error: authority without endpoint", target: "dns://10.0.0.2:53", wantErr: true},
		{name: "Error: empty endpoint", target: "dns:///", wantErr: true},
	}

	for _, test := range tests {
		got, err := Parse(test.target)
		switch {
		case err == nil && test.wantErr:
			t.Errorf("[TestParse](%s): got err == nil, want err != nil", test.name)
			continue
		case err != nil && !test.wantErr:
			t.Errorf("[TestParse](%s): got err == %s, want err == nil", test.name, err)
			continue
		case err != nil:
			continue
		}

		if diff := pretty.Compare(test.want, got); diff != "" {
			t.Errorf("[TestParse](%s): -want/+got:\n%s", test.name, diff)
		}
		if test.target[0] != '/' && test.target != test.want.Endpoint {
			// Parsing the formatted target gives the same parts back.
			again, err := Parse(got.String())
			if err != nil || again != got {
				t.Errorf("[TestParse](%s): Parse(%q) = %+v, %v, want %+v", test.name, got.String(), again, err, got)
			}
		}
	}
}

func TestTargetString(t *testing.T) {
	tests := []struct {
		target Target
		want   string
	}{
		{target: Target{Scheme: "dns", Endpoint: "echo:8080"}, want: "dns:///echo:8080"},
		{target: Target{Scheme: "dns", Authority: "10.0.0.2:53", Endpoint: "echo:8080"}, want: "dns://10.0.0.2:53/echo:8080"},
	}

	for _, test := range tests {
		if got := test.target.String(); got != test.want {
			t.Errorf("[TestTargetString](%s): got %q, want %q", test.want, got, test.want)
		}
	}
}
