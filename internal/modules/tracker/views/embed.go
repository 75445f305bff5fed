package views

import (
	"embed"
	"io/fs"
)

//go:embed templates static
var viewsFS embed.FS

// StaticFS serves the browser assets under /static/.
func StaticFS() fs.FS {
	sub, err := fs.Sub(viewsFS, "static")
	if err != nil {
		panic(err)
	}
	return sub
}
