package intercept

import "testing"

func TestLogicalPath(t *testing.T) {
	cases := map[string]string{
		"":                   "index.html",
		"/":                  "index.html",
		"/index.html":        "index.html",
		"index.html":         "index.html",
		"/css/site.css":      "css/site.css",
		"/img/a b.png":       "img/a b.png",
		"//double":           "/double",
		"/dir/":              "dir/",
		"/dir/index.html":    "dir/index.html",
		"/Case/Sensitive.JS": "Case/Sensitive.JS",
	}
	for in, want := range cases {
		if got := LogicalPath(in); got != want {
			t.Errorf("LogicalPath(%q) = %q, want %q", in, got, want)
		}
	}
}
