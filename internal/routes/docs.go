package routes

import (
	"fmt"
	"io"
	"strings"
)

// Markdown writes a reference table of the routes.
func Markdown(w io.Writer, routes []Route) error {
	var b strings.Builder
	b.WriteString("| Method | Path | Query parameters | Response schema | Cache-Control |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, rt := range routes {
		names := make([]string, 0, len(rt.Params))
		for _, p := range rt.Params {
			names = append(names, "`"+p.Name+"`")
		}
		params := strings.Join(names, ", ")
		if params == "" {
			params = "-"
		}
		fmt.Fprintf(&b, "| %s | `%s` | %s | `%s` | `%s` |\n",
			rt.Method, rt.Pattern, params, rt.Schema, cachePolicy(rt.Pattern))
	}

	b.WriteString("\n## Parameters\n")
	for _, rt := range routes {
		fmt.Fprintf(&b, "\n### %s `%s`\n\n%s\n\n", rt.Method, rt.Pattern, rt.Description)
		fmt.Fprintf(&b, "- `%s` (path): required.\n", rt.PathParam)
		for _, p := range rt.Params {
			fmt.Fprintf(&b, "- `%s`: %s\n", p.Name, p.Description)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func cachePolicy(pattern string) string {
	if strings.Contains(pattern, "supported-chains") {
		return "public, max-age=3600"
	}
	return "private, no-cache"
}
