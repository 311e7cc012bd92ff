package docker

import (
	"testing"

	"github.com/carapacehq/carapace"
)

func TestBindSpec(t *testing.T) {
	cases := []struct {
		name    string
		mount   carapace.Mount
		relabel bool
		want    string
	}{
		{
			"plain",
			carapace.Mount{Source: "/run/s/requests.sock", Target: "/run/carapace/requests.sock"},
			false,
			"/run/s/requests.sock:/run/carapace/requests.sock",
		},
		{
			"read-only",
			carapace.Mount{Source: "/etc/conf", Target: "/conf", ReadOnly: true},
			false,
			"/etc/conf:/conf:ro",
		},
		{
			"relabel",
			carapace.Mount{Source: "/run/s/events.sock", Target: "/run/carapace/events.sock"},
			true,
			"/run/s/events.sock:/run/carapace/events.sock:z",
		},
		{
			"read-only relabel",
			carapace.Mount{Source: "/etc/conf", Target: "/conf", ReadOnly: true},
			true,
			"/etc/conf:/conf:ro,z",
		},
	}
	for _, tc := range cases {
		if got := bindSpec(tc.mount, tc.relabel); got != tc.want {
			t.Errorf("%s: bindSpec = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestWithSELinuxRelabel(t *testing.T) {
	r, err := New(WithSELinuxRelabel())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer r.Close()
	if !r.relabel {
		t.Error("relabel option not applied")
	}
}
