// Package templates renders named HTML email templates. Templates are
// looked up as "<name>.html" in a file system, parsed once and cached.
package templates

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"os"
	"sync"

	"github.com/Masterminds/sprig/v3"

	"github.com/sungwon/email-service/internal/email"
)

//go:embed defaults/*.html
var defaultFiles embed.FS

const extension = ".html"

// Renderer resolves and executes templates.
type Renderer struct {
	fsys  fs.FS
	cache sync.Map // map[string]*template.Template
}

// New creates a Renderer over fsys.
func New(fsys fs.FS) *Renderer {
	return &Renderer{fsys: fsys}
}

// NewFromDir creates a Renderer reading templates from dir. An empty dir
// selects the templates built into the binary.
func NewFromDir(dir string) (*Renderer, error) {
	if dir == "" {
		sub, err := fs.Sub(defaultFiles, "defaults")
		if err != nil {
			return nil, fmt.Errorf("open built-in templates: %w", err)
		}
		return New(sub), nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat template dir %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("template dir %s is not a directory", dir)
	}
	return New(os.DirFS(dir)), nil
}

// Render executes the named template with data and returns the HTML. A name
// that does not resolve yields an error wrapping email.ErrTemplateNotFound;
// parse and execution failures wrap email.ErrRender.
func (r *Renderer) Render(name string, data map[string]any) (string, error) {
	tmpl, err := r.lookup(name)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: execute %s: %v", email.ErrRender, name, err)
	}
	return buf.String(), nil
}

// Exists reports whether the named template resolves.
func (r *Renderer) Exists(name string) bool {
	_, err := r.lookup(name)
	return err == nil
}

func (r *Renderer) lookup(name string) (*template.Template, error) {
	if cached, ok := r.cache.Load(name); ok {
		return cached.(*template.Template), nil
	}

	file := name + extension
	if !fs.ValidPath(file) {
		return nil, email.NotFoundError(name)
	}

	raw, err := fs.ReadFile(r.fsys, file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, email.NotFoundError(name)
		}
		return nil, fmt.Errorf("read template %s: %w", file, err)
	}

	tmpl, err := template.New(file).Funcs(sprig.FuncMap()).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", email.ErrRender, file, err)
	}

	actual, _ := r.cache.LoadOrStore(name, tmpl)
	return actual.(*template.Template), nil
}
