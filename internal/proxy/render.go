package proxy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/alvesdmateus/instance-deployer/pkg/models"
)

// Route is one application's entry in the shared server block
type Route struct {
	Slug    string
	Kind    models.AppKind
	Port    int
	WebRoot string
}

const baseServer = `server {
    listen 80 default_server;
    listen [::]:80 default_server;
    server_name _;
    client_max_body_size 50M;

    location = / {
        return 200 'Deployer server running';
    }
}
`

const emptySharedServer = `server {
    listen 80;
    server_name _;
    client_max_body_size 50M;
}
`

var closingBrace = regexp.MustCompile(`}\s*$`)

func beginMarker(slug string) string { return "    # route " + slug + "\n" }

func endMarker(slug string) string { return "    # end route " + slug + "\n" }

// RenderLocation returns the location blocks routing /<slug>/ for r,
// wrapped in marker comments so the block can be found and replaced
func RenderLocation(r Route) string {
	return beginMarker(r.Slug) + renderBody(r) + endMarker(r.Slug)
}

func renderBody(r Route) string {
	if r.Kind.Supervised() {
		return fmt.Sprintf(`    location /%[1]s/ {
        rewrite ^/%[1]s/(.*)$ /$1 break;
        proxy_pass http://127.0.0.1:%[2]d/;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
    }

    location = /%[1]s {
        return 302 /%[1]s/;
    }
`, r.Slug, r.Port)
	}

	root := strings.TrimSuffix(r.WebRoot, "/")
	return fmt.Sprintf(`    location /%[1]s/ {
        alias %[2]s/;
        index index.html;
        try_files $uri $uri/ /%[1]s/index.html;
    }

    location /%[1]s/static/ {
        alias %[2]s/static/;
    }

    location /%[1]s/assets/ {
        alias %[2]s/assets/;
    }

    location = /%[1]s/favicon.ico {
        alias %[2]s/favicon.ico;
    }

    location = /%[1]s/manifest.json {
        alias %[2]s/manifest.json;
    }

    location = /%[1]s {
        return 302 /%[1]s/;
    }
`, r.Slug, root)
}

// HasRoute reports whether config already routes slug
func HasRoute(config, slug string) bool {
	return strings.Contains(config, "/"+slug+"/")
}

// InsertLocation places block just before the final closing brace of config.
// Configs already routing slug are returned unchanged.
func InsertLocation(config string, r Route) string {
	if HasRoute(config, r.Slug) {
		return config
	}
	block := RenderLocation(r)
	loc := closingBrace.FindStringIndex(config)
	if loc == nil {
		return config + "\n" + block
	}
	return config[:loc[0]] + "\n" + block + "}\n"
}

// UpsertLocation inserts r's block, or replaces the marked block already
// routing r.Slug when it renders differently, such as after a port change.
// Unmarked routes are left alone. It reports whether config changed.
func UpsertLocation(config string, r Route) (string, bool) {
	block := RenderLocation(r)

	begin, end := beginMarker(r.Slug), endMarker(r.Slug)
	if start := strings.Index(config, begin); start >= 0 {
		if stop := strings.Index(config[start:], end); stop >= 0 {
			stop += start + len(end)
			if config[start:stop] == block {
				return config, false
			}
			return config[:start] + block + config[stop:], true
		}
	}

	if HasRoute(config, r.Slug) {
		return config, false
	}
	return InsertLocation(config, r), true
}
