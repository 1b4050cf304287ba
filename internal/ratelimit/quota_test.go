package ratelimit

import "testing"

func TestPolicyResolution(t *testing.T) {
	p := NewPolicy(Quota{RequestsPerMinute: 100, BurstSize: 10}, Quota{RequestsPerMinute: 5, BurstSize: 1})
	p.Set("media", Quota{RequestsPerMinute: 50, BurstSize: 5})
	p.Set("media.upload", Quota{RequestsPerMinute: 2, BurstSize: 1})
	p.Set("auth", Quota{})

	cases := []struct {
		class, handler string
		anonymous      bool
		want           Quota
	}{
		{"media", "upload", false, Quota{RequestsPerMinute: 2, BurstSize: 1}},
		{"media", "list", false, Quota{RequestsPerMinute: 50, BurstSize: 5}},
		{"option", "create", false, Quota{RequestsPerMinute: 100, BurstSize: 10}},
		{"auth", "whoami", false, Quota{}},
		{"media", "upload", true, Quota{RequestsPerMinute: 5, BurstSize: 1}},
		{"graphql", "", false, Quota{RequestsPerMinute: 100, BurstSize: 10}},
	}
	for _, tc := range cases {
		if got := p.For(tc.class, tc.handler, tc.anonymous); got != tc.want {
			t.Errorf("For(%s, %s, %v) = %+v, want %+v", tc.class, tc.handler, tc.anonymous, got, tc.want)
		}
	}
}

func TestPolicyEnabled(t *testing.T) {
	var nilPolicy *Policy
	if nilPolicy.Enabled() || nilPolicy.For("a", "b", false).Enabled() {
		t.Fatal("nil policy must not limit")
	}
	p := NewPolicy(Quota{}, Quota{})
	if p.Enabled() {
		t.Fatal("empty policy must not limit")
	}
	p.Set("auth.check", Quota{RequestsPerMinute: 1})
	if !p.Enabled() {
		t.Fatal("expected a handler entry to enable the policy")
	}
}

func TestQuotaEmission(t *testing.T) {
	cases := map[int]int64{60: 1000, 7: 8572, 60000: 1, 1 << 30: 1}
	for rpm, want := range cases {
		if got := (Quota{RequestsPerMinute: rpm}).emission(); got != want {
			t.Errorf("emission(%d rpm) = %d, want %d", rpm, got, want)
		}
	}
	if got := (Quota{RequestsPerMinute: 1}).burst(); got != 1 {
		t.Errorf("expected burst floor of 1, got %d", got)
	}
}
