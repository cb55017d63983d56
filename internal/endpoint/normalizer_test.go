package endpoint

import "testing"

func TestLabel(t *testing.T) {
	n := NewNormalizer([]Pattern{
		{Prefix: "/activate", Label: "/activate/{code}"},
		{Prefix: "/users/"},
		{Prefix: ""},
	})

	cases := []struct {
		method, path, want string
	}{
		{"POST", "/activate/abc123", "POST /activate/{code}"},
		{"POST", "/activate", "POST /activate/{code}"},
		{"get", "/users/42", "GET /users"},
		{"GET", "/usersabc", "GET /usersabc"},
		{"POST", "/register", "POST /register"},
	}
	for _, c := range cases {
		if got := n.Label(c.method, c.path); got != c.want {
			t.Fatalf("%s %s: expected %q, got %q", c.method, c.path, c.want, got)
		}
	}
}

func TestLabelNoPatterns(t *testing.T) {
	n := NewNormalizer(nil)
	if got := n.Label("GET", "/health"); got != "GET /health" {
		t.Fatalf("expected raw path label, got %q", got)
	}
}
