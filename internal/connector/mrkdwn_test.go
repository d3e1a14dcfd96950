package connector

import (
	"strings"
	"testing"
)

func TestToMrkdwn(t *testing.T) {
	bar := strings.Repeat("━", 31)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "bold",
			in:   "this is **bold** text",
			want: "this is *bold* text",
		},
		{
			name: "multiple bold spans",
			in:   "**a** and **b**",
			want: "*a* and *b*",
		},
		{
			name: "link",
			in:   "see [the docs](https://example.com) here",
			want: "see <https://example.com|the docs> here",
		},
		{
			name: "heading",
			in:   "# Title\nbody text",
			want: "*Title*\nbody text",
		},
		{
			name: "deep heading",
			in:   "### Sub Title",
			want: "*Sub Title*",
		},
		{
			name: "hashtag is not a heading",
			in:   "#hashtag",
			want: "#hashtag",
		},
		{
			name: "horizontal rule",
			in:   "above\n---\nbelow",
			want: "above\n\n" + bar + "\n\nbelow",
		},
		{
			name: "code block protected",
			in:   "```\n**x**\n```\n**y**",
			want: "```\n**x**\n```\n*y*",
		},
		{
			name: "inline code protected",
			in:   "run `**cmd**` now **ok**",
			want: "run `**cmd**` now *ok*",
		},
		{
			name: "blank lines collapse",
			in:   "a\n\n\n\nb",
			want: "a\n\nb",
		},
		{
			name: "surrounding whitespace trimmed",
			in:   "  hello  ",
			want: "hello",
		},
		{
			name: "two column table",
			in:   "| Name | Value |\n|------|-------|\n| Foo | 1 |\n| Bar | 2 |",
			want: "*Foo:* 1\n*Bar:* 2",
		},
		{
			name: "multi column table",
			in:   "| Host | CPU | Mem |\n|---|---|---|\n| web1 | 80% | 2G |\n| web2 | 15% | 1G |",
			want: "*web1*\n  CPU: 80%\n  Mem: 2G\n\n*web2*\n  CPU: 15%\n  Mem: 1G",
		},
		{
			name: "table keeps its place in prose",
			in:   "before\n| A | B |\n|---|---|\n| x | y |\nafter",
			want: "before\n*x:* y\nafter",
		},
		{
			name: "bold stripped from table keys",
			in:   "| K | V |\n|---|---|\n| **Foo** | bar |",
			want: "*Foo:* bar",
		},
		{
			name: "header only table",
			in:   "| A | B | C |\n|---|---|---|",
			want: "*A*  *B*  *C*",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToMrkdwn(tt.in)
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestToMrkdwn_CodeBlockWithTableInside(t *testing.T) {
	in := "```\n| a | b |\n| 1 | 2 |\n```"
	got := ToMrkdwn(in)
	if got != in {
		t.Errorf("Expected table inside code block untouched, got %q", got)
	}
}

func TestToMrkdwn_LinkInsideInlineCode(t *testing.T) {
	in := "`[x](y)` and [real](https://a.io)"
	want := "`[x](y)` and <https://a.io|real>"
	got := ToMrkdwn(in)
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}
