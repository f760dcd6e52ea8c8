package cmd

import "testing"

func TestSlugify(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Sparse Attention: A Survey", "sparse-attention-a-survey"},
		{"  KV-cache   compression!!", "kv-cache-compression"},
		{"///", "report"},
	}
	for _, c := range cases {
		if got := slugify(c.in); got != c.want {
			t.Errorf("slugify(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
