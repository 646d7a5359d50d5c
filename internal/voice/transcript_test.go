package voice

import "testing"

func TestCleanTranscript(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "   ", want: ""},
		{name: "collapses whitespace", in: " Hello \n\n  there\t friend ", want: "Hello there friend"},
		{name: "drops annotation tags", in: "<noise> what time is it <noise>", want: "what time is it"},
		{name: "strips markdown emphasis", in: "That is **really** cool", want: "That is really cool"},
		{name: "keeps link label", in: "See [the docs](https://example.com) later", want: "See the docs later"},
		{name: "removes control runes", in: "hi\u0007 there\u200b", want: "hi there"},
		{name: "keeps unicode text", in: "ciao, come stai? 😊", want: "ciao, come stai? 😊"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := cleanTranscript(tc.in)
			if got != tc.want {
				t.Fatalf("cleanTranscript(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
