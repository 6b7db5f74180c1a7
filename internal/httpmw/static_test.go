package httpmw

import "testing"

func TestStaticAsset(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/css/theme.css", true},
		{"/fonts/Inter.WOFF2", true},
		{"/fonts/brand.otf", true},
		{"/bundles/site.css", true},
		{"/bundles/anything", true},
		{"/img/logo.svg", true},
		{"/", false},
		{"/about/", false},
		{"/index.html", false},
		{"/api/hooks/content-published", false},
		{"/cssfile", false},
	}
	for _, tt := range tests {
		if got := StaticAsset(tt.path); got != tt.want {
			t.Errorf("StaticAsset(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
