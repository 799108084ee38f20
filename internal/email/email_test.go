package email

import "testing"

func TestDomain(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"user@example.com", "example.com"},
		{"user@EXAMPLE.COM", "example.com"},
		{" user@news.example.org ", "news.example.org"},
		{"first@second@example.com", "example.com"},
		{"invalid", ""},
		{"@example.com", ""},
		{"user@", ""},
		{"", ""},
	}

	for _, tc := range tests {
		if got := Domain(tc.email); got != tc.want {
			t.Errorf("Domain(%q) = %q, want %q", tc.email, got, tc.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"User@Example.COM", "User@example.com", true},
		{"  jane@example.com ", "jane@example.com", true},
		{"Jane <jane@example.com>", "jane@example.com", true},
		{"a@example.com, b@example.com", "", false},
		{"a@example.com;b@example.com", "", false},
		{"not-an-address", "", false},
		{"", "", false},
	}
	for _, tc := range tests {
		got, ok := Normalize(tc.in)
		if got != tc.want || ok != tc.wantOK {
			t.Errorf("Normalize(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.wantOK)
		}
	}
}
