package views

import (
	"errors"
	"html/template"
	"io"
	"io/fs"
	"time"
)

var pageTmpl *template.Template

var funcs = template.FuncMap{
	"clock": func(t *time.Time) string {
		if t == nil || t.IsZero() {
			return ""
		}
		return t.UTC().Format("15:04:05 UTC")
	},
	"iso": func(t *time.Time) string {
		if t == nil || t.IsZero() {
			return ""
		}
		return t.UTC().Format(time.RFC3339)
	},
}

// loadTemplatesFromFS parses the page templates under dir. Tests use it with
// in-memory file systems.
func loadTemplatesFromFS(fsys fs.FS, dir string) error {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return err
	}
	t, err := template.New("views").Funcs(funcs).ParseFS(sub, "*.html", "partials/*.html")
	if err != nil {
		return err
	}
	pageTmpl = t
	return nil
}

// LoadTemplates parses the embedded templates. It must succeed before the
// server starts.
func LoadTemplates() error {
	return loadTemplatesFromFS(viewsFS, "templates")
}

type LoginData struct {
	// Error is shown above the sign-in button after a failed attempt.
	Error string
}

type DashboardData struct {
	UserName  string
	UserEmail string
	Map       MapView
}

func RenderLogin(w io.Writer, data *LoginData) error {
	return execute(w, "login.html", data)
}

func RenderDashboard(w io.Writer, data *DashboardData) error {
	return execute(w, "dashboard.html", data)
}

// RenderDevicesPartial renders only the device selector.
func RenderDevicesPartial(w io.Writer, data *DashboardData) error {
	return execute(w, "partials/devices.html", data)
}

func execute(w io.Writer, name string, data any) error {
	if pageTmpl == nil {
		return errors.New("templates not loaded: call views.LoadTemplates during startup")
	}
	return pageTmpl.ExecuteTemplate(w, name, data)
}
