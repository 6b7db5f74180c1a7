package assets

import (
	"bytes"
	"html/template"
	"testing"
)

func TestURL(t *testing.T) {
	tests := []struct {
		name  string
		token string
		in    string
		want  string
	}{
		{"plain", "0123abcd", "/css/theme.css", "/css/theme.css?v=0123abcd"},
		{"existing query", "0123abcd", "/img/logo.png?w=200", "/img/logo.png?w=200&v=0123abcd"},
		{"trailing question mark", "0123abcd", "/a.js?", "/a.js?v=0123abcd"},
		{"fragment", "0123abcd", "/icons.svg#home", "/icons.svg?v=0123abcd#home"},
		{"query and fragment", "0123abcd", "/icons.svg?x=1#home", "/icons.svg?x=1&v=0123abcd#home"},
		{"empty token", "", "/a.css", "/a.css"},
		{"empty path", "0123abcd", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := URL(tt.token, tt.in); got != tt.want {
				t.Fatalf("URL(%q, %q) = %q, want %q", tt.token, tt.in, got, tt.want)
			}
		})
	}
}

func TestBundleURL(t *testing.T) {
	if got := BundleURL("0123abcd", "site.css"); got != "/bundles/site.css?v=0123abcd" {
		t.Fatalf("BundleURL = %q", got)
	}
}

type mutableToken struct{ v string }

func (m *mutableToken) Value() string { return m.v }

func TestFuncMap_ReadsTokenPerRender(t *testing.T) {
	tok := &mutableToken{v: "aaaaaaaa"}
	tmpl := template.Must(template.New("page").Funcs(FuncMap(tok)).Parse(
		`<link href="{{ bundle "site.css" }}"><script src="{{ asset "/js/app.js?async=1" }}"></script>`,
	))

	render := func() string {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, nil); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		return buf.String()
	}

	first := render()
	want := `<link href="/bundles/site.css?v=aaaaaaaa"><script src="/js/app.js?async=1&amp;v=aaaaaaaa"></script>`
	if first != want {
		t.Fatalf("render = %q, want %q", first, want)
	}

	tok.v = "bbbbbbbb"
	if second := render(); second == first {
		t.Fatal("render should pick up the regenerated token")
	}
}
