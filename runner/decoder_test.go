package runner

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sphinx-mllm/sphinx/api"
)

type fed struct {
	out api.StreamChunk
	ok  bool
}

func feedAll(sep string, records []api.StreamChunk) []fed {
	d := NewTurnDecoder(sep)
	var out []fed
	for _, r := range records {
		c, ok := d.Feed(r)
		out = append(out, fed{c, ok})
	}
	return out
}

func TestTurnDecoder(t *testing.T) {
	tests := []struct {
		name    string
		sep     string
		records []api.StreamChunk
		want    []fed
	}{
		{
			name: "kurzer Text wird zurueckgehalten",
			sep:  "###",
			records: []api.StreamChunk{
				{Text: "A"},
				{Text: "A c"},
				{Text: "A cat"},
			},
			want: []fed{
				{ok: false},
				{out: api.StreamChunk{Text: ""}, ok: true},
				{out: api.StreamChunk{Text: "A "}, ok: true},
			},
		},
		{
			name: "Separator beendet den Turn",
			sep:  "###",
			records: []api.StreamChunk{
				{Text: "Hello wor"},
				{Text: "Hello world  \n###"},
				{Text: "Hello world  \n### Human: more"},
				{Text: "Hello world  \n### Human: more", EndOfContent: true},
			},
			want: []fed{
				{out: api.StreamChunk{Text: "Hello "}, ok: true},
				{out: api.StreamChunk{Text: "Hello world\n", EndOfContent: true}, ok: true},
				{ok: false},
				{ok: false},
			},
		},
		{
			name: "Separator in der Mitte eines Datensatzes",
			sep:  "###",
			records: []api.StreamChunk{
				{Text: "Yes.\n### Hu"},
			},
			want: []fed{
				{out: api.StreamChunk{Text: "Yes.\n", EndOfContent: true}, ok: true},
			},
		},
		{
			name: "Ende ohne Separator wird unveraendert weitergegeben",
			sep:  "###",
			records: []api.StreamChunk{
				{Text: "ok"},
				{Text: "ok.", EndOfContent: true},
			},
			want: []fed{
				{ok: false},
				{out: api.StreamChunk{Text: "ok.", EndOfContent: true}, ok: true},
			},
		},
		{
			name: "Mehrbyte-Zeichen werden nicht zerschnitten",
			sep:  "</s>",
			records: []api.StreamChunk{
				{Text: "Grüße aus Köln"},
			},
			want: []fed{
				{out: api.StreamChunk{Text: "Grüße aus "}, ok: true},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := feedAll(tt.sep, tt.records)
			if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(fed{})); diff != "" {
				t.Errorf("Feed() unterscheidet sich (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTurnDecoderStates(t *testing.T) {
	d := NewTurnDecoder("###")
	if d.State() != Buffering {
		t.Fatalf("Startzustand = %v, erwartet buffering", d.State())
	}

	d.Feed(api.StreamChunk{Text: "ab"})
	if d.State() != Buffering {
		t.Errorf("Zustand = %v, erwartet buffering", d.State())
	}

	d.Feed(api.StreamChunk{Text: "abcd"})
	if d.State() != Emitting {
		t.Errorf("Zustand = %v, erwartet emitting", d.State())
	}

	d.Feed(api.StreamChunk{Text: "abcd###"})
	if d.State() != Done {
		t.Errorf("Zustand = %v, erwartet done", d.State())
	}
}
